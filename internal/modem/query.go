package modem

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/JRGInc/Water-Meter-Imager/internal/at"
)

// Signal is a +CSQ reading.
type Signal struct {
	RSSI int `json:"rssi"`
	BER  int `json:"ber"`
}

// Known reports whether the modem could measure the signal.
func (s Signal) Known() bool { return s.RSSI != 99 }

// DBm converts RSSI to dBm. Unknown readings return 0.
func (s Signal) DBm() int {
	if !s.Known() {
		return 0
	}
	return -113 + 2*s.RSSI
}

// ParseSignal parses the value of a "+CSQ: <rssi>,<ber>" line.
func ParseSignal(v string) (Signal, error) {
	parts := strings.Split(strings.TrimSpace(strings.TrimPrefix(v, "+CSQ:")), ",")
	if len(parts) != 2 {
		return Signal{}, fmt.Errorf("malformed signal quality %q", v)
	}
	rssi, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return Signal{}, fmt.Errorf("malformed rssi %q: %w", v, err)
	}
	ber, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return Signal{}, fmt.Errorf("malformed ber %q: %w", v, err)
	}
	return Signal{RSSI: rssi, BER: ber}, nil
}

// ParseClock parses the value of a +CCLK line, "yy/MM/dd,hh:mm:ss±zz" with
// the zone in quarter hours.
func ParseClock(v string) (time.Time, error) {
	v = strings.Trim(strings.TrimSpace(strings.TrimPrefix(v, "+CCLK:")), `"`)
	if len(v) != len("yy/MM/dd,hh:mm:ss+zz") {
		return time.Time{}, fmt.Errorf("malformed network time %q", v)
	}
	local, zone := v[:17], v[17:]
	t, err := time.Parse("06/01/02,15:04:05", local)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed network time %q: %w", v, err)
	}
	quarters, err := strconv.Atoi(zone)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed time zone %q: %w", v, err)
	}
	loc := time.FixedZone("", quarters*15*60)
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc), nil
}

// Signal pulses the reset line, opens the port, reads signal quality and
// closes the port.
func (m *Modem) Signal(ctx context.Context) (Signal, Outcome) {
	var sig Signal
	m.wake(ctx)
	out := m.run(ctx, func(s *Session) bool {
		v, ok := s.Query(cmd("AT+CSQ", ""), "+CSQ:")
		if !ok {
			return true
		}
		parsed, err := ParseSignal(v)
		if err != nil {
			s.log.Error("%s %v", m.Name(), err)
			return true
		}
		sig = parsed
		return false
	})
	return sig, out
}

// NetworkTime enables network time updates and reads the modem clock.
func (m *Modem) NetworkTime(ctx context.Context) (time.Time, Outcome) {
	var now time.Time
	m.wake(ctx)
	out := m.run(ctx, func(s *Session) bool {
		if s.Send(m.Driver.ClockEnable()) {
			return true
		}
		v, ok := s.Query(at.Command{Name: "AT+CCLK?"}, "+CCLK:")
		if !ok {
			return true
		}
		t, err := ParseClock(v)
		if err != nil {
			s.log.Error("%s %v", m.Name(), err)
			return true
		}
		now = t
		return false
	})
	return now, out
}

// wake pulses the reset line ahead of a query session. A sim800 session ends
// with AT+CPOWD=1, so the modem stays off until pulsed.
func (m *Modem) wake(ctx context.Context) {
	if m.Reset == nil {
		return
	}
	if err := m.Reset.Pulse(ctx); err != nil {
		m.log().Warn("%s reset before query failed: %v", m.Name(), err)
	}
}
