// Package groundtruth supplies surveyed inter-module distances for
// calibration recordings, either as a fixed manual value or derived from a
// GPS position against a surveyed anchor.
package groundtruth

import (
	"bufio"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/adrianmo/go-nmea"
	"github.com/stratoberry/go-gpsd"
	"go.bug.st/serial"
)

// Measurement is one ground-truth distance observation.
type Measurement struct {
	DistanceM  float64   // distance between the ranging pair, meters
	Timestamp  time.Time // when the observation was made
	Quality    int       // fix quality, 0 means invalid
	Satellites int       // satellites used, 0 when not applicable
}

// Anchor is the surveyed position of the fixed module that the mobile
// module ranges against.
type Anchor struct {
	Latitude  float64
	Longitude float64
	Altitude  float64
}

// DistanceTo returns the slant range from the anchor to a position in meters.
func (a Anchor) DistanceTo(lat, lon, alt float64) float64 {
	const earthRadius = 6371000 // meters

	lat1Rad := a.Latitude * math.Pi / 180
	lat2Rad := lat * math.Pi / 180
	deltaLat := (lat - a.Latitude) * math.Pi / 180
	deltaLon := (lon - a.Longitude) * math.Pi / 180

	h := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	horizontal := earthRadius * c
	vertical := alt - a.Altitude
	return math.Sqrt(horizontal*horizontal + vertical*vertical)
}

// Source defines the common interface for ground truth implementations
type Source interface {
	Start() error
	WaitForTruth(timeout time.Duration) (*Measurement, error)
	Current() (*Measurement, error)
	IsValid() bool
	QualityString() string
	Close() error
}

// Options selects and parameterizes a ground truth source.
type Options struct {
	Mode      string  // "manual", "nmea" or "gpsd"
	DistanceM float64 // manual mode: surveyed distance
	Port      string  // nmea mode: serial device
	BaudRate  int     // nmea mode: baud rate
	Host      string  // gpsd mode: daemon host
	GPSDPort  string  // gpsd mode: daemon port
	Anchor    Anchor  // surveyed position of the fixed module
	Debug     bool
}

// Open creates the ground truth source selected by opts.
func Open(opts Options) (Source, error) {
	switch opts.Mode {
	case "manual", "":
		return NewManual(opts.DistanceM), nil
	case "nmea":
		return NewNMEASerial(opts.Port, opts.BaudRate, opts.Anchor, opts.Debug)
	case "gpsd":
		return NewGPSD(opts.Host, opts.GPSDPort, opts.Anchor), nil
	default:
		return nil, fmt.Errorf("unknown ground truth mode: %s", opts.Mode)
	}
}

// Manual is a fixed surveyed distance, for tape-measure or mocap setups.
type Manual struct {
	measurement Measurement
}

// NewManual creates a manual ground truth source with a fixed distance.
func NewManual(distanceM float64) *Manual {
	quality := 0
	if distanceM > 0 {
		quality = 7 // manual input mode
	}
	return &Manual{measurement: Measurement{
		DistanceM: distanceM,
		Timestamp: time.Now(),
		Quality:   quality,
	}}
}

func (m *Manual) Start() error { return nil }

func (m *Manual) WaitForTruth(timeout time.Duration) (*Measurement, error) {
	return m.Current()
}

func (m *Manual) Current() (*Measurement, error) {
	if m.measurement.Quality == 0 {
		return nil, fmt.Errorf("manual distance not set")
	}
	meas := m.measurement
	return &meas, nil
}

func (m *Manual) IsValid() bool { return m.measurement.Quality > 0 }

func (m *Manual) QualityString() string { return qualityString(m.measurement.Quality) }

func (m *Manual) Close() error { return nil }

// NMEASerial derives ground truth from NMEA GGA positions on a serial port.
type NMEASerial struct {
	port    serial.Port
	anchor  Anchor
	current Measurement
	fixChan chan Measurement
	mu      sync.RWMutex
	debug   bool
}

// NewNMEASerial opens a serial NMEA ground truth source.
func NewNMEASerial(portName string, baudRate int, anchor Anchor, debug bool) (*NMEASerial, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open ground truth port %s: %w", portName, err)
	}

	return &NMEASerial{
		port:    port,
		anchor:  anchor,
		fixChan: make(chan Measurement, 10),
		debug:   debug,
	}, nil
}

func (n *NMEASerial) Start() error {
	go n.readLoop()
	return nil
}

func (n *NMEASerial) readLoop() {
	scanner := bufio.NewScanner(n.port)

	for scanner.Scan() {
		line := scanner.Text()

		// Receivers that speak a binary protocol interleave garbage with
		// NMEA; only parse printable $-sentences
		if len(line) == 0 || line[0] != '$' {
			continue
		}
		printable := true
		for _, r := range line {
			if r < 32 || r > 126 {
				printable = false
				break
			}
		}
		if !printable {
			continue
		}

		sentence, err := nmea.Parse(line)
		if err != nil {
			if n.debug {
				log.Printf("ground truth: NMEA parse error: %v (line: %s)", err, line)
			}
			continue
		}

		// Only GGA carries the fix quality and altitude needed here
		if gga, ok := sentence.(nmea.GGA); ok {
			n.processGGA(gga)
		}
	}

	if err := scanner.Err(); err != nil {
		log.Printf("ground truth: scanner error: %v", err)
	}
}

func (n *NMEASerial) processGGA(s nmea.GGA) {
	quality := fixQuality(s.FixQuality)
	if quality == 0 {
		return
	}

	meas := Measurement{
		DistanceM:  n.anchor.DistanceTo(s.Latitude, s.Longitude, s.Altitude),
		Timestamp:  time.Now(),
		Quality:    quality,
		Satellites: int(s.NumSatellites),
	}

	n.mu.Lock()
	n.current = meas
	n.mu.Unlock()

	if n.debug {
		log.Printf("ground truth: distance %.3f m (quality %d, sats %d)",
			meas.DistanceM, meas.Quality, meas.Satellites)
	}

	select {
	case n.fixChan <- meas:
	default:
	}
}

func (n *NMEASerial) WaitForTruth(timeout time.Duration) (*Measurement, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case meas := <-n.fixChan:
			if meas.Quality > 0 {
				return &meas, nil
			}
		case <-timer.C:
			return nil, fmt.Errorf("ground truth fix timeout after %v", timeout)
		}
	}
}

func (n *NMEASerial) Current() (*Measurement, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.current.Quality == 0 {
		return nil, fmt.Errorf("no ground truth fix available")
	}
	meas := n.current
	return &meas, nil
}

func (n *NMEASerial) IsValid() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.current.Quality > 0
}

func (n *NMEASerial) QualityString() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return qualityString(n.current.Quality)
}

func (n *NMEASerial) Close() error {
	if n.port != nil {
		return n.port.Close()
	}
	return nil
}

// GPSD derives ground truth from a gpsd daemon.
type GPSD struct {
	client  *gpsd.Session
	anchor  Anchor
	current Measurement
	fixChan chan Measurement
	host    string
	port    string
	mu      sync.RWMutex
}

// NewGPSD creates a gpsd-backed ground truth source. Connection happens on
// Start.
func NewGPSD(host, port string, anchor Anchor) *GPSD {
	return &GPSD{
		anchor:  anchor,
		fixChan: make(chan Measurement, 10),
		host:    host,
		port:    port,
	}
}

func (g *GPSD) Start() error {
	address := gpsd.DefaultAddress
	if g.host != "" {
		address = fmt.Sprintf("%s:%s", g.host, g.port)
	}

	client, err := gpsd.Dial(address)
	if err != nil {
		return fmt.Errorf("failed to connect to gpsd at %s: %w", address, err)
	}
	g.client = client

	g.client.AddFilter("TPV", func(r interface{}) {
		tpv, ok := r.(*gpsd.TPVReport)
		if !ok {
			return
		}

		var quality int
		switch tpv.Mode {
		case 2, 3: // 2D or 3D fix
			quality = 1
		default:
			quality = 0
		}
		if quality == 0 || (tpv.Lat == 0 && tpv.Lon == 0) {
			return
		}

		meas := Measurement{
			DistanceM: g.anchor.DistanceTo(tpv.Lat, tpv.Lon, tpv.Alt),
			Timestamp: tpv.Time,
			Quality:   quality,
		}

		g.mu.Lock()
		meas.Satellites = g.current.Satellites // SKY reports carry the count
		g.current = meas
		g.mu.Unlock()

		select {
		case g.fixChan <- meas:
		default:
		}
	})

	g.client.AddFilter("SKY", func(r interface{}) {
		sky, ok := r.(*gpsd.SKYReport)
		if !ok {
			return
		}
		g.mu.Lock()
		g.current.Satellites = len(sky.Satellites)
		g.mu.Unlock()
	})

	g.client.Watch()
	return nil
}

func (g *GPSD) WaitForTruth(timeout time.Duration) (*Measurement, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case meas := <-g.fixChan:
			if meas.Quality > 0 {
				return &meas, nil
			}
		case <-timer.C:
			return nil, fmt.Errorf("ground truth fix timeout after %v", timeout)
		}
	}
}

func (g *GPSD) Current() (*Measurement, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.current.Quality == 0 {
		return nil, fmt.Errorf("no ground truth fix available")
	}
	meas := g.current
	return &meas, nil
}

func (g *GPSD) IsValid() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.current.Quality > 0
}

func (g *GPSD) QualityString() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return qualityString(g.current.Quality)
}

func (g *GPSD) Close() error {
	if g.client != nil {
		g.client.Close()
	}
	return nil
}

// fixQuality converts an NMEA GGA fix quality to the numeric scale used
// throughout this package.
func fixQuality(q string) int {
	switch q {
	case nmea.GPS:
		return 1
	case nmea.DGPS:
		return 2
	case nmea.PPS:
		return 3
	case nmea.RTK:
		return 4
	case nmea.FRTK:
		return 5
	case nmea.Manual:
		return 7
	default:
		return 0
	}
}

func qualityString(quality int) string {
	switch quality {
	case 0:
		return "Invalid"
	case 1:
		return "GPS fix (SPS)"
	case 2:
		return "DGPS fix"
	case 3:
		return "PPS fix"
	case 4:
		return "Real Time Kinematic"
	case 5:
		return "Float RTK"
	case 6:
		return "estimated (dead reckoning)"
	case 7:
		return "Manual input mode"
	case 8:
		return "Simulation mode"
	default:
		return "Unknown"
	}
}
