package modem

import (
	"fmt"
	"time"

	"github.com/JRGInc/Water-Meter-Imager/internal/at"
	"github.com/JRGInc/Water-Meter-Imager/internal/devices"
)

// SIM800MaxPayload is the largest body AT+HTTPDATA accepts.
const SIM800MaxPayload = 319488

const sim800DataTimeoutMS = 120000

// sim800 drives the modem's built-in HTTP client: the request is assembled
// from HTTPPARA settings and sent by HTTPACTION.
type sim800 struct {
	cfg Config
}

func newSIM800(cfg Config) *sim800 {
	if cfg.BringUpAttempts <= 0 {
		cfg.BringUpAttempts = 3
	}
	return &sim800{cfg: cfg}
}

func (d *sim800) Name() string { return VariantSIM800 }

func (d *sim800) Table() at.Table {
	slow := at.Poll{MaxBlank: 240, Interval: 250 * time.Millisecond}
	return at.Table{
		at.KindGeneric: func() at.Rule {
			return at.Generic{Bound: at.DefaultPoll, Extra: []string{"NORMAL POWER DOWN"}}
		},
		at.KindConfigure: func() at.Rule { return at.Generic{Bound: slow} },
		at.KindBringUp: func() at.Rule {
			return at.BringUp{Bound: slow, Marker: "SMS Ready"}
		},
		at.KindAnnounce: func() at.Rule { return at.Announce{Bound: at.DefaultPoll, Prompt: "DOWNLOAD"} },
		at.KindData:     func() at.Rule { return at.Generic{Bound: at.DefaultPoll} },
		at.KindAction: func() at.Rule {
			return at.Action{Bound: at.Poll{MaxBlank: 180, Interval: 50 * time.Millisecond}, Prefix: "+HTTPACTION:", Field: 1}
		},
	}
}

func (d *sim800) Aborts() []string { return nil }

func (d *sim800) ResetSteps() []devices.Step { return devices.Sim800Pulse }

func (d *sim800) MaxPayload() int { return SIM800MaxPayload }

func (d *sim800) ClockEnable() at.Command { return cmd("AT+CLTS", "=1") }

func (d *sim800) Start(s *Session) bool {
	bringUp := cmdKind("AT+SAPBR", `=3,1,"Contype","GPRS"`, at.KindBringUp)

	failed := true
	for i := 0; failed && i < d.cfg.BringUpAttempts; i++ {
		if i > 0 {
			s.log.Warn("%s experienced error in configuring GPRS service, closing serial, resetting %s, reattempting",
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

	// Signal quality is logged only.
	s.Send(cmd("AT+CSQ", ""))

	if s.Send(cmdKind("AT+SAPBR", fmt.Sprintf(`=3,1,"APN","%s"`, d.cfg.APN), at.KindConfigure)) {
		return true
	}
	s.Enter(StateContextOpening)
	for _, c := range []at.Command{
		cmdKind("AT+SAPBR", "=1,1", at.KindConfigure),
		cmdKind("AT+SAPBR", "=2,1", at.KindConfigure),
		cmd("AT+HTTPINIT", ""),
	} {
		if s.Send(c) {
			return true
		}
	}
	return false
}

func (d *sim800) SendRecv(s *Session, req Request) bool {
	if len(req.Body) > SIM800MaxPayload {
		s.log.Error("%s %s: %v (%d > %d bytes)", d.Name(), req.Name, ErrPayloadTooLarge, len(req.Body), SIM800MaxPayload)
		return true
	}

	s.Enter(StateSending)
	for _, c := range []at.Command{
		cmd("AT+HTTPPARA", `="CID",1`),
		cmd("AT+HTTPPARA", fmt.Sprintf(`="URL","%s:%d/upload"`, d.cfg.Address, d.cfg.Port)),
		cmd("AT+HTTPPARA", fmt.Sprintf(`="UA","%s"`, req.Name)),
		cmd("AT+HTTPPARA", fmt.Sprintf(`="CONTENT","%s"`, req.ContentType)),
	} {
		if s.Send(c) {
			return true
		}
	}
	announce := cmdKind("AT+HTTPDATA", fmt.Sprintf("=%d,%d", len(req.Body), sim800DataTimeoutMS), at.KindAnnounce)
	if s.SendData(announce, req.Body) {
		return true
	}
	if s.Send(cmdKind("AT+HTTPACTION", "=1", at.KindAction)) {
		return true
	}

	// The status is known from HTTPACTION; the read is advisory.
	s.Enter(StateReceiving)
	s.Send(cmd("AT+HTTPREAD", ""))
	return false
}

func (d *sim800) Upload(s *Session, job Job, body []byte) bool {
	return d.SendRecv(s, Request{Name: job.RemoteName, ContentType: ContentType(job.RemoteName), Body: body})
}

func (d *sim800) Stop(s *Session) bool {
	s.Send(cmd("AT+HTTPTERM", ""))
	if s.Send(cmd("AT+SAPBR", "=0,1")) {
		return true
	}
	return s.Send(cmd("AT+CPOWD", "=1"))
}
