package pointcloud

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/bits"
	"os"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// PCDType is the format of a pcd file.
type PCDType int

const (
	// PCDAscii ascii format for pcd.
	PCDAscii PCDType = 0
	// PCDBinary binary format for pcd.
	PCDBinary PCDType = 1
)

func (t PCDType) String() string {
	switch t {
	case PCDAscii:
		return "ascii"
	case PCDBinary:
		return "binary"
	default:
		return fmt.Sprintf("PCDType(%d)", int(t))
	}
}

// PCDTypeFromString parses the DATA value of a pcd header.
func PCDTypeFromString(s string) (PCDType, error) {
	switch strings.ToLower(s) {
	case "ascii":
		return PCDAscii, nil
	case "binary":
		return PCDBinary, nil
	default:
		return 0, errors.Errorf("unsupported pcd data type %q", s)
	}
}

// colorToPCDInt packs a color into the PCL rgb layout.
func colorToPCDInt(c colorful.Color) uint32 {
	r, g, b := ColorToRGB255(c)
	return uint32(r)<<16 | uint32(g)<<8 | uint32(b)
}

func pcdIntToColor(c uint32) colorful.Color {
	return NewColorFromRGB255(uint8(0xFF&(c>>16)), uint8(0xFF&(c>>8)), uint8(0xFF&c))
}

// ToPCD writes the cloud as an unorganized pcd with x y z rgb fields. Positions are written
// as meters.
func ToPCD(cloud PointCloud, out io.Writer, outputType PCDType) error {
	if outputType != PCDAscii && outputType != PCDBinary {
		return errors.Errorf("unsupported pcd data type %v", outputType)
	}
	w := bufio.NewWriter(out)
	_, err := fmt.Fprintf(w, "VERSION .7\n"+
		"FIELDS x y z rgb\n"+
		"SIZE 4 4 4 4\n"+
		"TYPE F F F I\n"+
		"COUNT 1 1 1 1\n"+
		"WIDTH %d\n"+
		"HEIGHT 1\n"+
		"VIEWPOINT 0 0 0 1 0 0 0\n"+
		"POINTS %d\n"+
		"DATA %s\n",
		cloud.Size(),
		cloud.Size(),
		outputType)
	if err != nil {
		return err
	}

	buf := make([]byte, 16)
	cloud.Iterate(0, 0, func(pos r3.Vector, c colorful.Color) bool {
		packed := colorToPCDInt(c)
		switch outputType {
		case PCDBinary:
			binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(pos.X)))
			binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(float32(pos.Y)))
			binary.LittleEndian.PutUint32(buf[8:], math.Float32bits(float32(pos.Z)))
			binary.LittleEndian.PutUint32(buf[12:], packed)
			_, err = w.Write(buf)
		case PCDAscii:
			_, err = fmt.Fprintf(w, "%f %f %f %d\n", pos.X, pos.Y, pos.Z, packed)
		}
		return err == nil
	})
	if err != nil {
		return err
	}
	return w.Flush()
}

// WriteToPCDFile writes the cloud to the named file, creating or truncating it.
func WriteToPCDFile(cloud PointCloud, fn string, outputType PCDType) (err error) {
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return ToPCD(cloud, f, outputType)
}

type pcdHeader struct {
	hasColor bool
	width    uint64
	height   uint64
	points   uint64
	data     PCDType
}

const pcdCommentChar = "#"

// maxPCDPrealloc bounds the capacity reserved from a header's POINTS count; larger clouds grow as they are read.
const maxPCDPrealloc = 1 << 20

var pcdHeaderFields = []string{"VERSION", "FIELDS", "SIZE", "TYPE", "COUNT", "WIDTH", "HEIGHT", "VIEWPOINT", "POINTS", "DATA"}

func (h *pcdHeader) numFields() int {
	if h.hasColor {
		return 4
	}
	return 3
}

func parsePCDHeaderLine(line string, index int, header *pcdHeader) error {
	var err error
	name := pcdHeaderFields[index]
	field, value, _ := strings.Cut(line, " ")
	if field != name {
		return errors.Errorf("line is supposed to start with %s but is %s", name, line)
	}
	tokens := strings.Fields(value)

	switch name {
	case "VERSION":
		if value != ".7" && value != "0.7" {
			return errors.Errorf("unsupported pcd version %s", value)
		}
	case "FIELDS":
		switch value {
		case "x y z":
		case "x y z rgb":
			header.hasColor = true
		default:
			return errors.Errorf("unsupported pcd fields %s", value)
		}
	case "SIZE":
		if len(tokens) != header.numFields() {
			return errors.New("unexpected number of fields in SIZE line")
		}
		for _, token := range tokens {
			if token != "4" {
				return errors.Errorf("unsupported SIZE field %s", token)
			}
		}
	case "TYPE", "COUNT":
		if len(tokens) != header.numFields() {
			return errors.Errorf("unexpected number of fields in %s line", name)
		}
	case "WIDTH":
		header.width, err = strconv.ParseUint(value, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid WIDTH field %s", value)
		}
	case "HEIGHT":
		header.height, err = strconv.ParseUint(value, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid HEIGHT field %s", value)
		}
	case "VIEWPOINT":
		if len(tokens) != 7 {
			return errors.Errorf("unexpected number of fields in VIEWPOINT line. Expected 7, got %d", len(tokens))
		}
	case "POINTS":
		header.points, err = strconv.ParseUint(value, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid POINTS field %s", value)
		}
		if header.points > math.MaxInt {
			return errors.Errorf("POINTS field %d is too large", header.points)
		}
		hi, size := bits.Mul64(header.width, header.height)
		if hi != 0 || header.points != size {
			return errors.Errorf("POINTS field %d does not match WIDTH*HEIGHT (%d*%d)", header.points, header.width, header.height)
		}
	case "DATA":
		header.data, err = PCDTypeFromString(value)
		if err != nil {
			return err
		}
	}
	return nil
}

// ReadPCD reads an ascii or binary pcd with x y z or x y z rgb fields. Positions are read as meters.
func ReadPCD(inRaw io.Reader) (PointCloud, error) {
	header := pcdHeader{}
	in := bufio.NewReader(inRaw)
	headerLineCount := 0
	for headerLineCount < len(pcdHeaderFields) {
		line, err := in.ReadString('\n')
		if err != nil {
			return nil, errors.Wrapf(err, "error reading header line %d", headerLineCount)
		}
		line, _, _ = strings.Cut(line, pcdCommentChar)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := parsePCDHeaderLine(line, headerLineCount, &header); err != nil {
			return nil, err
		}
		headerLineCount++
	}
	if header.data == PCDBinary {
		return readPCDBinary(in, header)
	}
	return readPCDAscii(in, header)
}

func readPCDAscii(in *bufio.Reader, header pcdHeader) (PointCloud, error) {
	pc := NewWithPrealloc(int(min(header.points, maxPCDPrealloc)))
	for i := uint64(0); i < header.points; i++ {
		line, err := in.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return nil, errors.Wrapf(err, "reading point %d", i)
		}
		tokens := strings.Fields(line)
		if len(tokens) != header.numFields() {
			return nil, errors.Errorf("unexpected number of fields in point %d", i)
		}
		vals := make([]float64, 3)
		for j := 0; j < 3; j++ {
			vals[j], err = strconv.ParseFloat(tokens[j], 64)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid point %d field %s", i, tokens[j])
			}
		}
		c := colorful.Color{}
		if header.hasColor {
			packed, err := strconv.ParseUint(tokens[3], 10, 32)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid point %d color %s", i, tokens[3])
			}
			c = pcdIntToColor(uint32(packed))
		}
		if err := pc.Set(NewVector(vals[0], vals[1], vals[2]), c); err != nil {
			return nil, err
		}
	}
	return pc, nil
}

func readPCDBinary(in *bufio.Reader, header pcdHeader) (PointCloud, error) {
	pc := NewWithPrealloc(int(min(header.points, maxPCDPrealloc)))
	buf := make([]byte, 4*header.numFields())
	for i := uint64(0); i < header.points; i++ {
		if _, err := io.ReadFull(in, buf); err != nil {
			return nil, errors.Wrapf(err, "reading point %d", i)
		}
		pos := NewVector(
			float64(math.Float32frombits(binary.LittleEndian.Uint32(buf))),
			float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[4:]))),
			float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[8:]))),
		)
		c := colorful.Color{}
		if header.hasColor {
			c = pcdIntToColor(binary.LittleEndian.Uint32(buf[12:]))
		}
		if err := pc.Set(pos, c); err != nil {
			return nil, err
		}
	}
	return pc, nil
}
