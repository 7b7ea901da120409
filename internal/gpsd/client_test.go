package gpsd

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"testing"
)

// fakeGPSD serves a scripted gpsd session on a loopback listener.
func fakeGPSD(t *testing.T, lines []string) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				r := bufio.NewReader(conn)
				if _, err := r.ReadString('\n'); err != nil { // WATCH command
					return
				}
				for _, line := range lines {
					if _, err := conn.Write([]byte(line + "\n")); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	hostStr, portStr, _ := net.SplitHostPort(ln.Addr().String())
	p, _ := strconv.Atoi(portStr)
	return hostStr, p
}

func TestCurrentFixParsesTPV(t *testing.T) {
	host, port := fakeGPSD(t, []string{
		`{"class":"VERSION","release":"3.25"}`,
		`{"class":"DEVICES","devices":[]}`,
		`{"class":"TPV","mode":3,"time":"2026-08-24T10:00:00.000Z","lat":48.137,"lon":11.575,"alt":519.0,"speed":1.5,"track":270.0}`,
	})
	c := New(host, port)
	defer c.Close()

	fix := c.CurrentFix()
	if fix == nil {
		t.Fatal("fix = nil, want a 3D fix")
	}
	if fix.Mode != 3 {
		t.Errorf("mode = %d, want 3", fix.Mode)
	}
	if fix.Lat != 48.137 || fix.Lon != 11.575 {
		t.Errorf("position = (%v, %v), want (48.137, 11.575)", fix.Lat, fix.Lon)
	}
	if fix.SpeedMS == nil || *fix.SpeedMS != 1.5 {
		t.Errorf("speed = %v, want 1.5", fix.SpeedMS)
	}
	if fix.HeadingDeg == nil || *fix.HeadingDeg != 270.0 {
		t.Errorf("heading = %v, want 270", fix.HeadingDeg)
	}
}

func TestCurrentFixNilWithoutFix(t *testing.T) {
	host, port := fakeGPSD(t, []string{
		`{"class":"TPV","mode":1}`,
	})
	c := New(host, port)
	defer c.Close()

	if fix := c.CurrentFix(); fix != nil {
		t.Fatalf("fix = %+v, want nil for mode 1", fix)
	}
}

func TestCurrentFixNilWhenUnreachable(t *testing.T) {
	// Reserve a port and close it so nothing listens there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	hostStr, portStr, _ := net.SplitHostPort(ln.Addr().String())
	ln.Close()
	port, _ := strconv.Atoi(portStr)

	c := New(hostStr, port)
	defer c.Close()

	if fix := c.CurrentFix(); fix != nil {
		t.Fatalf("fix = %+v, want nil when gpsd is down", fix)
	}

	// Backoff gates the immediate redial.
	if fix := c.CurrentFix(); fix != nil {
		t.Fatalf("fix = %+v, want nil during backoff", fix)
	}
}

func TestCurrentFixNilOnMalformedStream(t *testing.T) {
	host, port := fakeGPSD(t, []string{`this is not json`})
	c := New(host, port)
	defer c.Close()

	if fix := c.CurrentFix(); fix != nil {
		t.Fatalf("fix = %+v, want nil for malformed stream", fix)
	}
	if !strings.Contains(c.addr, host) {
		t.Fatalf("addr %q lost host", c.addr)
	}
}
