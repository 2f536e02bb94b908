// Package crtp sends legacy commander setpoints to ESP-Drone and Crazyflie
// Wi-Fi bridges over UDP.
package crtp

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"sync"

	"skytrack/pkg/protocol"
)

const (
	PortSetpoint = 0x03
	linkBits     = 0x03 << 2

	setpointSize = 14
	DefaultAddr  = "192.168.43.42:2390"
)

// Header packs port and channel into the CRTP header byte.
func Header(port, channel uint8) byte {
	return (port&0x0F)<<4 | linkBits | channel&0x03
}

// EncodeSetpoint builds one datagram: header, roll/pitch/yawrate as
// little-endian float32, thrust as little-endian uint16, then the byte sum.
func EncodeSetpoint(cmd protocol.Command) []byte {
	out := make([]byte, 1+setpointSize+1)
	out[0] = Header(PortSetpoint, 0)
	binary.LittleEndian.PutUint32(out[1:5], math.Float32bits(cmd.Roll))
	binary.LittleEndian.PutUint32(out[5:9], math.Float32bits(cmd.Pitch))
	binary.LittleEndian.PutUint32(out[9:13], math.Float32bits(cmd.Yaw))
	binary.LittleEndian.PutUint16(out[13:15], cmd.Thrust)
	out[len(out)-1] = checksum(out[:len(out)-1])
	return out
}

// DecodeSetpoint is the inverse of EncodeSetpoint.
func DecodeSetpoint(pkt []byte) (protocol.Command, error) {
	if len(pkt) != 1+setpointSize+1 {
		return protocol.Command{}, fmt.Errorf("crtp: setpoint length %d", len(pkt))
	}
	if pkt[0] != Header(PortSetpoint, 0) {
		return protocol.Command{}, fmt.Errorf("crtp: unexpected header 0x%02x", pkt[0])
	}
	if sum := checksum(pkt[:len(pkt)-1]); sum != pkt[len(pkt)-1] {
		return protocol.Command{}, fmt.Errorf("crtp: checksum 0x%02x, want 0x%02x", pkt[len(pkt)-1], sum)
	}
	return protocol.Command{
		Roll:   math.Float32frombits(binary.LittleEndian.Uint32(pkt[1:5])),
		Pitch:  math.Float32frombits(binary.LittleEndian.Uint32(pkt[5:9])),
		Yaw:    math.Float32frombits(binary.LittleEndian.Uint32(pkt[9:13])),
		Thrust: binary.LittleEndian.Uint16(pkt[13:15]),
	}, nil
}

func checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}

type Link struct {
	mu   sync.Mutex
	conn net.Conn
}

func Dial(ctx context.Context, addr string) (*Link, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial vehicle %s: %w", addr, err)
	}
	return &Link{conn: conn}, nil
}

func (l *Link) Send(cmd protocol.Command) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.conn.Write(EncodeSetpoint(cmd))
	return err
}

func (l *Link) Close() error {
	return l.conn.Close()
}
