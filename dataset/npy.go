package dataset

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"

	"skymotion/motion"
)

// npy v1.0 preamble: magic, version, little-endian header length.
var npyMagic = []byte("\x93NUMPY\x01\x00")

const npyAlign = 64

// Tensor is a dense row-major float32 array with an explicit shape.
type Tensor struct {
	Shape []int
	Data  []float32
}

// Len is the number of elements implied by Shape.
func (t Tensor) Len() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// writeTensorNPY writes t as a C-order little-endian float32 .npy array of
// arbitrary rank.
func writeTensorNPY(w io.Writer, t Tensor) error {
	if t.Len() != len(t.Data) {
		return errors.Errorf("tensor shape %v does not match %d values", t.Shape, len(t.Data))
	}

	dims := make([]string, len(t.Shape))
	for i, d := range t.Shape {
		dims[i] = fmt.Sprint(d)
	}
	shape := strings.Join(dims, ", ")
	if len(t.Shape) == 1 {
		shape += ","
	}
	header := fmt.Sprintf("{'descr': '<f4', 'fortran_order': False, 'shape': (%s), }", shape)

	// pad so that magic + len + header + '\n' is a multiple of npyAlign
	total := len(npyMagic) + 2 + len(header) + 1
	if rem := total % npyAlign; rem != 0 {
		header += strings.Repeat(" ", npyAlign-rem)
	}
	header += "\n"

	bw := bufio.NewWriter(w)
	if _, err := bw.Write(npyMagic); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint16(len(header))); err != nil {
		return err
	}
	if _, err := bw.WriteString(header); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, t.Data); err != nil {
		return err
	}
	return bw.Flush()
}

// writeLabelNPY writes a label as a 1×3 float64 array (dx, dy, rotation).
func writeLabelNPY(w io.Writer, l motion.Label) error {
	return npyio.Write(w, mat.NewDense(1, 3, l.Vector()))
}

// ReadTensor loads a float32 .npy file of any rank.
func ReadTensor(path string) (Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return Tensor{}, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	r, err := npyio.NewReader(f)
	if err != nil {
		return Tensor{}, errors.Wrapf(err, "reading npy header of %s", path)
	}
	shape := append([]int(nil), r.Header.Descr.Shape...)

	var data []float32
	if err := r.Read(&data); err != nil {
		return Tensor{}, errors.Wrapf(err, "reading %s", path)
	}
	return Tensor{Shape: shape, Data: data}, nil
}

// ReadLabel loads a label written by writeLabelNPY.
func ReadLabel(path string) (motion.Label, error) {
	f, err := os.Open(path)
	if err != nil {
		return motion.Label{}, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	var v []float64
	if err := npyio.Read(f, &v); err != nil {
		return motion.Label{}, errors.Wrapf(err, "reading %s", path)
	}
	if len(v) != 3 {
		return motion.Label{}, errors.Errorf("%s: want 3 label values, got %d", path, len(v))
	}
	l := motion.Label{DX: v[0], DY: v[1], Rotation: v[2]}
	l.Valid = l != motion.ZeroLabel()
	return l, nil
}
