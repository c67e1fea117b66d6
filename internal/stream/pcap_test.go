package stream

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/banshee-data/framestream/internal/wire"
)

// mockPacketReader replays canned raw packets for tests.
type mockPacketReader struct {
	packets [][]byte
	index   int
	closed  bool
}

func (m *mockPacketReader) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	if m.index >= len(m.packets) {
		return nil, gopacket.CaptureInfo{}, io.EOF
	}
	p := m.packets[m.index]
	m.index++
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Unix(1700000000, int64(m.index)*1e8),
		CaptureLength: len(p),
		Length:        len(p),
	}
	return p, ci, nil
}

func (m *mockPacketReader) LinkType() layers.LinkType { return layers.LinkTypeEthernet }

func (m *mockPacketReader) Close() error {
	m.closed = true
	return nil
}

// buildSensorPayload assembles a standard sensor payload whose blocks
// carry the given azimuths (in 0.01-degree units) with a constant
// distance and reflectivity in every channel. Azimuths beyond the
// provided slice repeat the last value.
func buildSensorPayload(azimuths []uint16, rawDistance uint16, reflectivity byte) []byte {
	payload := make([]byte, sensorPacketSize)
	for block := 0; block < sensorBlocks; block++ {
		off := block * sensorBlockSize
		if off+sensorBlockSize > len(payload)-sensorTailSize {
			break
		}

		az := azimuths[len(azimuths)-1]
		if block < len(azimuths) {
			az = azimuths[block]
		}

		binary.LittleEndian.PutUint16(payload[off:], sensorPreamble)
		binary.LittleEndian.PutUint16(payload[off+2:], az)
		for ch := 0; ch < sensorChannels; ch++ {
			chOff := off + 4 + ch*3
			binary.LittleEndian.PutUint16(payload[chOff:], rawDistance)
			payload[chOff+2] = reflectivity
		}
	}
	return payload
}

// wrapUDP encloses a sensor payload in Ethernet/IPv4/UDP framing the
// way it appears in a capture.
func wrapUDP(t *testing.T, payload []byte, dstPort int) []byte {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x10, 0x20, 0x30, 0x40, 0x50},
		DstMAC:       net.HardwareAddr{0x00, 0x60, 0x70, 0x80, 0x90, 0xa0},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP{192, 168, 1, 201},
		DstIP:    net.IP{192, 168, 1, 100},
	}
	udp := &layers.UDP{
		SrcPort: 7502,
		DstPort: layers.UDPPort(dstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("Failed to bind UDP checksum layer: %v", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		t.Fatalf("Failed to serialize packet: %v", err)
	}
	return buf.Bytes()
}

// rotationPackets yields packets sweeping one full rotation, nine
// azimuth steps per packet.
func rotationPackets(t *testing.T, rawDistance uint16, reflectivity byte, port int) [][]byte {
	t.Helper()

	var packets [][]byte
	step := uint16(rotationMaxUnits / 18)
	for start := 0; start < 18; start += 9 {
		azimuths := make([]uint16, 9)
		for i := range azimuths {
			azimuths[i] = uint16(start+i) * step
		}
		packets = append(packets, wrapUDP(t, buildSensorPayload(azimuths, rawDistance, reflectivity), port))
	}
	return packets
}

func openPcapCursor(t *testing.T, kind wire.StreamKind, port, cols int, packets [][]byte) (FrameCursor, *mockPacketReader) {
	t.Helper()

	mock := &mockPacketReader{packets: packets}
	source := &PcapSource{
		UDPPort:    port,
		Cols:       cols,
		OpenReader: func() (PacketReader, error) { return mock, nil },
	}
	cursor, err := source.Open(kind)
	if err != nil {
		t.Fatalf("Open(%v) failed: %v", kind, err)
	}
	return cursor, mock
}

func TestPcapRangeFrames(t *testing.T) {
	// Two rotations and a bit: the wrap between them completes frame
	// one, the tail is flushed at end of capture.
	var packets [][]byte
	packets = append(packets, rotationPackets(t, 1000, 100, 2368)...)
	packets = append(packets, rotationPackets(t, 2000, 100, 2368)...)

	cursor, _ := openPcapCursor(t, wire.KindRangeImage, 2368, 18, packets)

	first, err := cursor.Next()
	if err != nil {
		t.Fatalf("First frame: %v", err)
	}
	if first.Shape0 != sensorChannels || first.Shape1 != 18 {
		t.Fatalf("Expected %dx18 frame, got %dx%d", sensorChannels, first.Shape0, first.Shape1)
	}

	// Every column was painted from a 1000-unit return: 4 metres.
	for col := 0; col < 18; col++ {
		if got := first.Values[col]; got != 4 {
			t.Fatalf("Column %d: expected 4m, got %f", col, got)
		}
	}

	second, err := cursor.Next()
	if err != nil {
		t.Fatalf("Second frame: %v", err)
	}
	if second.Values[0] != 8 {
		t.Errorf("Second rotation should carry 8m returns, got %f", second.Values[0])
	}

	if _, err := cursor.Next(); err != io.EOF {
		t.Fatalf("Expected io.EOF at end of capture, got %v", err)
	}
	if _, err := cursor.Next(); err != io.EOF {
		t.Fatalf("io.EOF must be sticky, got %v", err)
	}
}

func TestPcapReflectivityFrames(t *testing.T) {
	packets := rotationPackets(t, 1000, 217, 2368)
	packets = append(packets, rotationPackets(t, 1000, 217, 2368)[0])

	cursor, _ := openPcapCursor(t, wire.KindReflectivityImage, 2368, 18, packets)

	frame, err := cursor.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	for col := 0; col < 18; col++ {
		if got := frame.Values[col]; got != 217 {
			t.Fatalf("Column %d: expected reflectivity 217, got %f", col, got)
		}
	}
}

func TestPcapCombinedFrames(t *testing.T) {
	packets := rotationPackets(t, 1000, 100, 2368)
	packets = append(packets, rotationPackets(t, 1000, 100, 2368)[0])

	cursor, _ := openPcapCursor(t, wire.KindCombinedInterleaved, 2368, 18, packets)

	frame, err := cursor.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if frame.Shape1 != 0 {
		t.Errorf("Combined frames are flat, got Shape1 %d", frame.Shape1)
	}
	if len(frame.Values) != sensorChannels*18*4 {
		t.Fatalf("Expected %d values, got %d", sensorChannels*18*4, len(frame.Values))
	}

	// First quad: top-left cell, 4m return at reflectivity 100.
	x, y, z, refl := frame.Values[0], frame.Values[1], frame.Values[2], frame.Values[3]
	if x != -1 || y != 1 {
		t.Errorf("Expected first quad at (-1, 1), got (%f, %f)", x, y)
	}
	if z != -0.96 {
		t.Errorf("Expected z -0.96 for a 4m return, got %f", z)
	}
	if refl != 1 {
		t.Errorf("Expected contrast-clamped reflectivity 1, got %f", refl)
	}
}

func TestPcapPortFilter(t *testing.T) {
	// Traffic on another port must not paint anything.
	packets := rotationPackets(t, 1000, 100, 9999)

	cursor, _ := openPcapCursor(t, wire.KindRangeImage, 2368, 18, packets)
	if _, err := cursor.Next(); err != io.EOF {
		t.Fatalf("Expected io.EOF with only foreign traffic, got %v", err)
	}
}

func TestPcapIgnoresNonUDPPackets(t *testing.T) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x10, 0x20, 0x30, 0x40, 0x50},
		DstMAC:       net.HardwareAddr{0x00, 0x60, 0x70, 0x80, 0x90, 0xa0},
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   eth.SrcMAC,
		SourceProtAddress: net.IP{192, 168, 1, 201}.To4(),
		DstHwAddress:      make([]byte, 6),
		DstProtAddress:    net.IP{192, 168, 1, 1}.To4(),
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, arp); err != nil {
		t.Fatalf("Failed to serialize ARP packet: %v", err)
	}

	packets := [][]byte{buf.Bytes()}
	packets = append(packets, rotationPackets(t, 1000, 100, 2368)...)
	packets = append(packets, rotationPackets(t, 1000, 100, 2368)[0])

	cursor, _ := openPcapCursor(t, wire.KindRangeImage, 2368, 18, packets)
	frame, err := cursor.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if frame.Values[0] != 4 {
		t.Errorf("Expected the UDP rotation to survive the ARP noise, got %f", frame.Values[0])
	}
}

func TestPcapSkipsMalformedPayloads(t *testing.T) {
	packets := [][]byte{
		wrapUDP(t, make([]byte, 100), 2368), // wrong size
	}
	packets = append(packets, rotationPackets(t, 1000, 100, 2368)...)
	packets = append(packets, rotationPackets(t, 1000, 100, 2368)[0])

	cursor, _ := openPcapCursor(t, wire.KindRangeImage, 2368, 18, packets)
	frame, err := cursor.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if frame.Values[0] != 4 {
		t.Errorf("Expected the valid rotation to be painted, got %f", frame.Values[0])
	}
}

func TestPcapSequenceSuffixAccepted(t *testing.T) {
	packets := rotationPackets(t, 1000, 100, 2368)

	// Re-send the first azimuths with a 4-byte UDP sequence suffix;
	// the wrap must still be detected.
	withSeq := append(buildSensorPayload([]uint16{0, 100, 200}, 500, 1), 1, 0, 0, 0)
	packets = append(packets, wrapUDP(t, withSeq, 2368))

	cursor, _ := openPcapCursor(t, wire.KindRangeImage, 2368, 18, packets)
	frame, err := cursor.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if frame.Values[0] != 4 {
		t.Errorf("Expected the first rotation, got %f", frame.Values[0])
	}
}

func TestPcapRefusesPointCloudKinds(t *testing.T) {
	source := &PcapSource{OpenReader: func() (PacketReader, error) {
		return &mockPacketReader{}, nil
	}}

	for _, kind := range []wire.StreamKind{wire.KindPointCloudXYZ, wire.KindPointCloudColor} {
		if _, err := source.Open(kind); err == nil {
			t.Errorf("Expected Open(%v) to fail without calibration", kind)
		}
	}

	if _, err := source.Open(wire.StreamKind(9)); !errors.Is(err, wire.ErrUnknownStreamKind) {
		t.Errorf("Expected ErrUnknownStreamKind for kind 9")
	}
}

func TestPcapOpenReaderFailure(t *testing.T) {
	source := &PcapSource{OpenReader: func() (PacketReader, error) {
		return nil, errors.New("no such file")
	}}
	if _, err := source.Open(wire.KindRangeImage); err == nil {
		t.Fatal("Expected Open to surface the reader error")
	}
}

func TestPcapCursorClose(t *testing.T) {
	cursor, mock := openPcapCursor(t, wire.KindRangeImage, 0, 18, nil)
	if err := cursor.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !mock.closed {
		t.Error("Close did not reach the packet reader")
	}
}
