package stream

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/framestream/internal/monitoring"
	"github.com/banshee-data/framestream/internal/wire"
)

// Pandar40P packet layout. Each UDP payload carries ten data blocks,
// each block one firing of all forty channels at one azimuth.
const (
	sensorPacketSize    = 1262 // standard payload
	sensorPacketSizeSeq = 1266 // payload with trailing 4-byte UDP sequence
	sensorBlocks        = 10
	sensorChannels      = 40
	sensorBlockSize     = 2 + 2 + sensorChannels*3 // preamble + azimuth + channel data
	sensorTailSize      = 32
	sensorPreamble      = 0xEEFF // 0xFFEE on the wire, little-endian

	distanceResolution = 0.004 // metres per LSB
	rotationMaxUnits   = 36000 // azimuth in 0.01-degree units
	maxRangeMetres     = 200   // normalization ceiling for combined frames
)

// PacketReader yields raw packets from a capture. *pcapgo.Reader
// satisfies the read side; implementations add Close for the backing
// file. A mock stands in for tests.
type PacketReader interface {
	ReadPacketData() (data []byte, ci gopacket.CaptureInfo, err error)
	LinkType() layers.LinkType
	Close() error
}

// PcapSource replays recorded sensor traffic as frames. Each cursor
// reads the capture from the start, folds packet blocks into a
// channels-by-columns grid by azimuth, and completes a frame on each
// rotation wrap. The source is finite: cursors reach io.EOF at the
// end of the capture.
//
// Captures carry no beam calibration, so the point-cloud kinds cannot
// be produced; Open refuses them.
type PcapSource struct {
	// Path is the capture file to replay.
	Path string

	// UDPPort filters packets by destination port. Zero accepts all
	// UDP traffic.
	UDPPort int

	// Cols is the image width one rotation is folded into. Zero
	// selects the synthetic default.
	Cols int

	// OpenReader overrides how the capture is opened, for tests. Nil
	// opens Path as a pcap file.
	OpenReader func() (PacketReader, error)
}

// Open returns a cursor replaying the capture as kind frames.
func (s *PcapSource) Open(kind wire.StreamKind) (FrameCursor, error) {
	switch kind {
	case wire.KindRangeImage, wire.KindReflectivityImage, wire.KindCombinedInterleaved:
	case wire.KindPointCloudXYZ, wire.KindPointCloudColor:
		return nil, fmt.Errorf("pcap replay cannot produce %s streams: captures carry no beam calibration", kind)
	default:
		return nil, fmt.Errorf("%w: id %d", wire.ErrUnknownStreamKind, uint32(kind))
	}

	cols := s.Cols
	if cols <= 0 {
		cols = DefaultSyntheticCols
	}

	open := s.OpenReader
	if open == nil {
		open = func() (PacketReader, error) { return openPcapFile(s.Path) }
	}
	reader, err := open()
	if err != nil {
		return nil, fmt.Errorf("failed to open capture: %w", err)
	}

	return &pcapCursor{
		kind:        kind,
		reader:      reader,
		port:        s.UDPPort,
		cols:        cols,
		ranges:      make([]float32, sensorChannels*cols),
		refl:        make([]float32, sensorChannels*cols),
		lastAzimuth: -1,
	}, nil
}

type pcapFileReader struct {
	*pcapgo.Reader
	file *os.File
}

func (r *pcapFileReader) Close() error { return r.file.Close() }

func openPcapFile(path string) (PacketReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read pcap header of %s: %w", path, err)
	}
	return &pcapFileReader{Reader: r, file: f}, nil
}

type pcapCursor struct {
	kind   wire.StreamKind
	reader PacketReader
	port   int
	cols   int

	ranges      []float32
	refl        []float32
	painted     int
	lastAzimuth int
	skipped     int
	done        bool
}

// Next reads packets until one full rotation has been painted and
// returns it as a frame. A partial rotation at the end of the capture
// is flushed as a final short frame before io.EOF.
func (c *pcapCursor) Next() (*wire.Frame, error) {
	if c.done {
		return nil, io.EOF
	}

	for {
		data, _, err := c.reader.ReadPacketData()
		if err == io.EOF {
			c.done = true
			if c.skipped > 0 {
				monitoring.Logf("Capture replay skipped %d undecodable packets", c.skipped)
			}
			if c.painted > 0 {
				return c.flush(), nil
			}
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read capture: %w", err)
		}

		payload := c.udpPayload(data)
		if payload == nil {
			continue
		}

		if frame := c.foldPacket(payload); frame != nil {
			return frame, nil
		}
	}
}

func (c *pcapCursor) Close() error { return c.reader.Close() }

// udpPayload extracts the sensor payload from a raw capture record,
// or nil when the packet is not UDP traffic for our port.
func (c *pcapCursor) udpPayload(data []byte) []byte {
	pkt := gopacket.NewPacket(data, c.reader.LinkType(), gopacket.Default)
	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return nil
	}
	udp, ok := udpLayer.(*layers.UDP)
	if !ok {
		return nil
	}
	if c.port != 0 && int(udp.DstPort) != c.port {
		return nil
	}
	return udp.Payload
}

// foldPacket paints the packet's blocks into the rotation grid and
// returns a completed frame when the azimuth wraps mid-packet.
func (c *pcapCursor) foldPacket(payload []byte) *wire.Frame {
	switch len(payload) {
	case sensorPacketSize:
	case sensorPacketSizeSeq:
		payload = payload[:sensorPacketSize]
	default:
		c.skipped++
		return nil
	}

	tailOffset := len(payload) - sensorTailSize

	var completed *wire.Frame
	for block := 0; block < sensorBlocks; block++ {
		off := block * sensorBlockSize
		// Never read block data out of the tail.
		if off+sensorBlockSize > tailOffset {
			break
		}
		if binary.LittleEndian.Uint16(payload[off:]) != sensorPreamble {
			c.skipped++
			return completed
		}

		azimuth := int(binary.LittleEndian.Uint16(payload[off+2:]))
		if azimuth < c.lastAzimuth && completed == nil {
			completed = c.flush()
		}
		c.lastAzimuth = azimuth

		col := azimuth * c.cols / rotationMaxUnits
		if col >= c.cols {
			col = c.cols - 1
		}
		for ch := 0; ch < sensorChannels; ch++ {
			chOff := off + 4 + ch*3
			dist := binary.LittleEndian.Uint16(payload[chOff:])
			cell := ch*c.cols + col
			c.ranges[cell] = float32(dist) * distanceResolution
			c.refl[cell] = float32(payload[chOff+2])
		}
		c.painted++
	}
	return completed
}

// flush builds a frame from the painted grid and starts a new one.
func (c *pcapCursor) flush() *wire.Frame {
	ranges, refl := c.ranges, c.refl
	c.ranges = make([]float32, sensorChannels*c.cols)
	c.refl = make([]float32, sensorChannels*c.cols)
	c.painted = 0

	switch c.kind {
	case wire.KindReflectivityImage:
		return &wire.Frame{
			Kind:   c.kind,
			Shape0: sensorChannels,
			Shape1: uint32(c.cols),
			Values: refl,
		}
	case wire.KindCombinedInterleaved:
		return c.combined(ranges, refl)
	default:
		return &wire.Frame{
			Kind:   c.kind,
			Shape0: sensorChannels,
			Shape1: uint32(c.cols),
			Values: ranges,
		}
	}
}

// combined interleaves clip-space coordinates with normalized range
// and reflectivity, one x, y, z, reflectivity quad per grid cell.
func (c *pcapCursor) combined(ranges, refl []float32) *wire.Frame {
	values := make([]float32, sensorChannels*c.cols*4)
	for row := 0; row < sensorChannels; row++ {
		y := 1 - 2*float64(row)/float64(sensorChannels-1)
		for col := 0; col < c.cols; col++ {
			x := -1 + 2*float64(col)/float64(c.cols-1)
			cell := row*c.cols + col
			z := normalizeValue(float64(ranges[cell]), 0, maxRangeMetres, -1, 1, 1)
			r := normalizeValue(float64(refl[cell]), 0, 255, 0, 1, 8)

			i := 4 * cell
			values[i] = float32(x)
			values[i+1] = float32(y)
			values[i+2] = float32(z)
			values[i+3] = float32(r)
		}
	}
	return &wire.Frame{
		Kind:   c.kind,
		Shape0: uint32(len(values)),
		Shape1: 0,
		Values: values,
	}
}
