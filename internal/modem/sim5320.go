package modem

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/JRGInc/Water-Meter-Imager/internal/at"
	"github.com/JRGInc/Water-Meter-Imager/internal/devices"
)

const peerClosed = "+CHTTPSNOTIFY: PEER CLOSED"

// sim5320 writes the HTTP request itself over the modem's HTTPS socket
// commands, chunked to ChunkSize.
type sim5320 struct {
	cfg Config
}

func newSIM5320(cfg Config) *sim5320 {
	if cfg.BringUpAttempts <= 0 {
		cfg.BringUpAttempts = 1
	}
	return &sim5320{cfg: cfg}
}

func (d *sim5320) Name() string { return VariantSIM5320 }

func (d *sim5320) Table() at.Table {
	return at.Table{
		at.KindGeneric: func() at.Rule { return at.Generic{Bound: at.DefaultPoll} },
		at.KindBringUp: func() at.Rule {
			return at.BringUp{Bound: at.Poll{MaxBlank: 20, Interval: 250 * time.Millisecond}, Lenient: true}
		},
		at.KindAnnounce: func() at.Rule { return at.Announce{Bound: at.DefaultPoll, Prompt: ">"} },
		at.KindData:     func() at.Rule { return at.Generic{Bound: at.DefaultPoll} },
		at.KindReceive: func() at.Rule {
			return &at.Receive{
				Bound:      at.Poll{MaxBlank: 150, Interval: 100 * time.Millisecond},
				Event:      "+CHTTPS: RECV EVENT",
				Done:       "+CHTTPSRECV: 0",
				Repoll:     "AT+CHTTPSRECV=1024",
				NudgeAfter: 50,
			}
		},
	}
}

func (d *sim5320) Aborts() []string { return []string{peerClosed} }

func (d *sim5320) ResetSteps() []devices.Step { return devices.Sim5320Pulse }

func (d *sim5320) MaxPayload() int { return 0 }

func (d *sim5320) ClockEnable() at.Command { return cmd("AT+CTZU", "=1") }

func (d *sim5320) Start(s *Session) bool {
	bringUp := cmdKind("AT+CGSOCKCONT", fmt.Sprintf(`=1,"IP","%s",,0,0`, d.cfg.APN), at.KindBringUp)

	failed := true
	for i := 0; failed && i < d.cfg.BringUpAttempts; i++ {
		if i > 0 {
			s.log.Warn("%s experienced error in configuring socket context, closing serial, resetting %s, reattempting",
				d.Name(), d.Name())
			if s.Reopen() {
				return true
			}
			s.Enter(StateContextStarting)
		}
		failed = s.Send(bringUp)
	}
	if failed {
		return true
	}

	if s.Send(cmd("AT+CSOCKSETPN", "=1")) {
		return true
	}
	s.Enter(StateContextOpening)
	if s.Send(cmd("AT+CHTTPSSTART", "")) {
		return true
	}
	return s.Send(cmd("AT+CHTTPSOPSE", fmt.Sprintf(`="%s",%d,1`, d.cfg.Address, d.cfg.Port)))
}

func (d *sim5320) SendRecv(s *Session, req Request) bool {
	s.Enter(StateSending)
	packet := append(Header(req.ContentType, len(req.Body), d.cfg.Address), req.Body...)
	if d.send(s, packet) {
		return true
	}
	return d.recv(s)
}

func (d *sim5320) Upload(s *Session, job Job, body []byte) bool {
	name := StampText(filepath.Base(job.Path), d.cfg.now())
	if d.SendRecv(s, Metadata(d.cfg.hostname(), name, len(body))) {
		return true
	}

	s.Enter(StateSending)
	header := Header(ContentType(job.RemoteName), len(body), d.cfg.Address)
	chunks := Chunks(header, body, ChunkSize)
	for i, c := range chunks {
		if d.send(s, c) {
			s.log.Error("%s aborted upload of %s at chunk %d of %d", d.Name(), job.RemoteName, i+1, len(chunks))
			return true
		}
	}
	return d.recv(s)
}

func (d *sim5320) send(s *Session, packet []byte) bool {
	return s.SendData(cmdKind("AT+CHTTPSSEND", fmt.Sprintf("=%d", len(packet)), at.KindAnnounce), packet)
}

func (d *sim5320) recv(s *Session) bool {
	s.Enter(StateReceiving)
	return s.Send(cmdKind("AT+CHTTPSRECV", "=1024", at.KindReceive))
}

// Stop closes the HTTPS session and stops the stack. Failures are logged
// only: the next attempt starts from a reset modem.
func (d *sim5320) Stop(s *Session) bool {
	if s.Send(cmd("AT+CHTTPSCLSE", "")) {
		s.log.Warn("%s could not close HTTPS session", d.Name())
		return false
	}
	if s.Send(cmd("AT+CHTTPSSTOP", "")) {
		s.log.Warn("%s could not stop HTTPS stack", d.Name())
	}
	return false
}
