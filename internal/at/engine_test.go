package at

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JRGInc/Water-Meter-Imager/internal/logging"
	"github.com/JRGInc/Water-Meter-Imager/internal/transport/transporttest"
)

const peerClosed = "+CHTTPSNOTIFY: PEER CLOSED"

func testTable() Table {
	fast := Poll{MaxBlank: 5, Interval: time.Millisecond}
	return Table{
		KindGeneric:  func() Rule { return Generic{Bound: fast, Extra: []string{"NORMAL POWER DOWN"}} },
		KindBringUp:  func() Rule { return BringUp{Bound: fast, Marker: "SMS Ready", Lenient: true} },
		KindAnnounce: func() Rule { return Announce{Bound: fast, Prompt: ">"} },
		KindAction:   func() Rule { return Action{Bound: fast, Prefix: "+HTTPACTION:", Field: 1} },
		KindReceive: func() Rule {
			return &Receive{Bound: Poll{MaxBlank: 8, Interval: time.Millisecond}, Event: "+CHTTPS: RECV EVENT",
				Done: "+CHTTPSRECV: 0", Repoll: "AT+CHTTPSRECV=1024", NudgeAfter: 3}
		},
	}
}

func newEngine(t *testing.T) (*Engine, *transporttest.Modem, *logging.Recorder) {
	t.Helper()
	m := transporttest.NewModem()
	p, err := (&transporttest.Opener{Modem: m}).Open()
	require.NoError(t, err)
	rec := logging.NewRecorder()
	return &Engine{
		Port:   p,
		Table:  testTable(),
		Aborts: []string{peerClosed},
		Name:   "test",
		Log:    rec,
		Sleep:  func(time.Duration) {},
	}, m, rec
}

func TestGenericRule(t *testing.T) {
	cases := []struct {
		name    string
		reply   []string
		wantErr bool
	}{
		{"ok", []string{"", "OK"}, false},
		{"error", []string{"ERROR"}, true},
		{"cme error", []string{"+CME ERROR: 3"}, true},
		{"power down", []string{"NORMAL POWER DOWN"}, false},
		{"silence", nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, m, _ := newEngine(t)
			m.Handle("AT+CPOWD", tc.reply...)
			assert.Equal(t, tc.wantErr, e.Send(context.Background(), Command{Name: "AT+CPOWD", Args: "=1"}))
			assert.Equal(t, []string{"AT+CPOWD=1"}, m.Commands())
		})
	}
}

func TestBringUpMarkerAndLenientExhaustion(t *testing.T) {
	e, m, rec := newEngine(t)
	m.Handle("AT+SAPBR", "OK", "", "SMS Ready")
	cmd := Command{Name: "AT+SAPBR", Args: `=3,1,"Contype","GPRS"`, Kind: KindBringUp}
	assert.False(t, e.Send(context.Background(), cmd))

	e, m, rec = newEngine(t)
	m.Handle("AT+SAPBR", "OK")
	assert.False(t, e.Send(context.Background(), cmd))
	assert.True(t, rec.Contains(logging.LevelWarn, "assuming context is up"))
}

func TestBringUpStrictExhaustionFails(t *testing.T) {
	e, m, _ := newEngine(t)
	e.Table[KindBringUp] = func() Rule {
		return BringUp{Bound: Poll{MaxBlank: 3}, Marker: "SMS Ready"}
	}
	m.Handle("AT+SAPBR", "OK")
	assert.True(t, e.Send(context.Background(), Command{Name: "AT+SAPBR", Kind: KindBringUp}))
}

func TestBringUpErrorFails(t *testing.T) {
	e, m, _ := newEngine(t)
	m.Handle("AT+CGSOCKCONT", "ERROR")
	assert.True(t, e.Send(context.Background(), Command{Name: "AT+CGSOCKCONT", Kind: KindBringUp}))
}

func TestSendDataWritesPayloadAfterPrompt(t *testing.T) {
	e, m, _ := newEngine(t)
	m.Handle("AT+CHTTPSSEND", ">")
	payload := []byte{0x00, 0xff, 'O', 'K', '\r', '\n'}

	assert.False(t, e.SendData(context.Background(), Command{Name: "AT+CHTTPSSEND", Args: "=6", Kind: KindAnnounce}, payload))
	require.Len(t, m.Payloads(), 1)
	assert.Equal(t, payload, m.Payloads()[0])
}

func TestSendDataAnnounceFailureSkipsPayload(t *testing.T) {
	e, m, _ := newEngine(t)
	m.Handle("AT+CHTTPSSEND", peerClosed)
	assert.True(t, e.SendData(context.Background(), Command{Name: "AT+CHTTPSSEND", Args: "=3", Kind: KindAnnounce}, []byte("abc")))
	assert.Empty(t, m.Payloads())
}

func TestSendDataRejectedPayload(t *testing.T) {
	e, m, _ := newEngine(t)
	m.Handle("AT+HTTPDATA", ">")
	m.DataReply = []string{"ERROR"}
	assert.True(t, e.SendData(context.Background(), Command{Name: "AT+HTTPDATA", Kind: KindAnnounce}, []byte("abc")))
}

func TestActionStatusClassification(t *testing.T) {
	cases := []struct {
		code    string
		wantErr bool
		level   logging.Level
	}{
		{"200", false, logging.LevelInfo},
		{"415", false, logging.LevelWarn},
		{"502", true, logging.LevelError},
		{"601", true, logging.LevelError},
		{"404", true, logging.LevelError},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			e, m, rec := newEngine(t)
			m.Handle("AT+HTTPACTION", "OK", "", "+HTTPACTION: 1,"+tc.code+",42")
			got := e.Send(context.Background(), Command{Name: "AT+HTTPACTION", Args: "=1", Kind: KindAction})
			assert.Equal(t, tc.wantErr, got)
			assert.True(t, rec.Contains(tc.level, tc.code))
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, StatusSuccess, ClassifyStatus(200))
	assert.Equal(t, StatusUnsupportedMedia, ClassifyStatus(415))
	assert.Equal(t, StatusClientError, ClassifyStatus(404))
	assert.Equal(t, StatusServerError, ClassifyStatus(502))
	assert.Equal(t, StatusNetworkError, ClassifyStatus(601))
}

func TestReceiveRepollsOnEvent(t *testing.T) {
	e, m, _ := newEngine(t)
	m.HandleFunc("AT+CHTTPSRECV", func(_ string, n int) []string {
		if n == 0 {
			return []string{"OK", "+CHTTPS: RECV EVENT"}
		}
		return []string{"+CHTTPSRECV: DATA,17", "HTTP/1.1 200 OK", "+CHTTPSRECV: 0"}
	})

	assert.False(t, e.Send(context.Background(), Command{Name: "AT+CHTTPSRECV", Args: "=1024", Kind: KindReceive}))
	assert.Equal(t, 2, m.CommandCount("AT+CHTTPSRECV=1024"))
}

func TestReceiveNudgesAfterBlanksThenGivesUp(t *testing.T) {
	e, m, _ := newEngine(t)
	m.Handle("AT+CHTTPSRECV")

	assert.True(t, e.Send(context.Background(), Command{Name: "AT+CHTTPSRECV", Args: "=1024", Kind: KindReceive}))
	assert.Equal(t, 2, m.CommandCount("AT+CHTTPSRECV"))
}

func TestPeerClosedAbortsAnyRule(t *testing.T) {
	for _, kind := range []Kind{KindReceive, KindGeneric, KindBringUp} {
		e, m, _ := newEngine(t)
		m.Handle("AT+X", "", peerClosed, "OK", "+CHTTPSRECV: 0")
		assert.True(t, e.Send(context.Background(), Command{Name: "AT+X", Kind: kind}), "kind %d", kind)
	}
}

func TestTransportFailuresBecomeProtocolErrors(t *testing.T) {
	e, m, _ := newEngine(t)
	m.ReadErr = errors.New("i/o error")
	assert.True(t, e.Send(context.Background(), Command{Name: "AT"}))

	e, m, _ = newEngine(t)
	m.WriteErr = errors.New("i/o error")
	assert.True(t, e.Send(context.Background(), Command{Name: "AT"}))
	assert.Empty(t, m.Commands())
}

func TestCancelledContextEndsRoundTrip(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, e.Send(ctx, Command{Name: "AT"}))
}

func TestQueryCapturesPrefixedLine(t *testing.T) {
	e, m, _ := newEngine(t)
	m.Handle("AT+CSQ", "+CSQ: 17,0", "", "OK")
	v, ok := e.Query(context.Background(), Command{Name: "AT+CSQ"}, "+CSQ:")
	require.True(t, ok)
	assert.Equal(t, "17,0", v)

	e, m, _ = newEngine(t)
	m.Handle("AT+CSQ", "OK")
	_, ok = e.Query(context.Background(), Command{Name: "AT+CSQ"}, "+CSQ:")
	assert.False(t, ok)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "OK", normalize("OK\r\n"))
	assert.Equal(t, "", normalize("\r\n"))
	assert.Equal(t, "> ", normalize("> "))
	assert.Equal(t, "+CSQ: 5,0", normalize("+CSQ: 5,0\n"))
}
