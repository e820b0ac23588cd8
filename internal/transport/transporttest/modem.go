// Package transporttest provides an in-memory scripted modem that satisfies
// transport.Port and transport.Opener for tests.
package transporttest

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/JRGInc/Water-Meter-Imager/internal/transport"
)

// ResponseFunc answers the n-th (0-based) command matching a prefix.
type ResponseFunc func(cmd string, n int) []string

// Modem scripts modem replies. Commands with no registered prefix are
// answered with "OK". After a reply containing a data prompt the next write
// is recorded as a raw payload and answered with DataReply.
type Modem struct {
	mu       sync.Mutex
	handlers map[string]ResponseFunc
	calls    map[string]int
	queue    []string

	commands []string
	payloads [][]byte
	closes   int
	opens    int

	expectData bool

	// Prompts are the lines that switch the modem into payload mode.
	Prompts []string
	// DataReply answers a raw payload write.
	DataReply []string
	// ReadErr, when set, is returned by every ReadLine.
	ReadErr error
	// WriteErr, when set, is returned by every Write.
	WriteErr error
}

// NewModem returns a Modem that answers every command with "OK".
func NewModem() *Modem {
	return &Modem{
		handlers:  make(map[string]ResponseFunc),
		calls:     make(map[string]int),
		Prompts:   []string{">", "DOWNLOAD"},
		DataReply: []string{"OK"},
	}
}

// Handle registers fixed reply lines for commands starting with prefix.
func (m *Modem) Handle(prefix string, lines ...string) {
	m.HandleFunc(prefix, func(string, int) []string { return lines })
}

// HandleFunc registers a reply function for commands starting with prefix.
// The longest matching prefix wins.
func (m *Modem) HandleFunc(prefix string, fn ResponseFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[prefix] = fn
}

// Push queues unsolicited lines for the next reads.
func (m *Modem) Push(lines ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, lines...)
}

// Commands returns every command line written, without the trailing CR.
func (m *Modem) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

// CommandCount counts written commands starting with prefix.
func (m *Modem) CommandCount(prefix string) int {
	n := 0
	for _, c := range m.Commands() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// Payloads returns every raw payload written after a prompt.
func (m *Modem) Payloads() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.payloads))
	for i, p := range m.payloads {
		out[i] = append([]byte(nil), p...)
	}
	return out
}

// Opens returns how many ports were handed out.
func (m *Modem) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

// Closes returns how many ports were actually closed.
func (m *Modem) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

func (m *Modem) write(p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WriteErr != nil {
		return m.WriteErr
	}
	if m.expectData {
		m.expectData = false
		m.payloads = append(m.payloads, append([]byte(nil), p...))
		m.enqueueLocked(m.DataReply)
		return nil
	}

	cmd := strings.TrimRight(string(p), "\r\n")
	m.commands = append(m.commands, cmd)

	prefix, fn := m.lookupLocked(cmd)
	if fn == nil {
		m.enqueueLocked([]string{"OK"})
		return nil
	}
	n := m.calls[prefix]
	m.calls[prefix] = n + 1
	m.enqueueLocked(fn(cmd, n))
	return nil
}

func (m *Modem) lookupLocked(cmd string) (string, ResponseFunc) {
	prefixes := make([]string, 0, len(m.handlers))
	for p := range m.handlers {
		if strings.HasPrefix(cmd, p) {
			prefixes = append(prefixes, p)
		}
	}
	if len(prefixes) == 0 {
		return "", nil
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	return prefixes[0], m.handlers[prefixes[0]]
}

func (m *Modem) enqueueLocked(lines []string) {
	for _, l := range lines {
		m.queue = append(m.queue, l)
		for _, p := range m.Prompts {
			if strings.TrimSpace(l) == p {
				m.expectData = true
			}
		}
	}
}

func (m *Modem) readLine() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return "", m.ReadErr
	}
	if len(m.queue) == 0 {
		return "", nil
	}
	line := m.queue[0]
	m.queue = m.queue[1:]
	if line == "" {
		return "\r\n", nil
	}
	return line + "\r\n", nil
}

// Opener hands out ports backed by a Modem. When Err is set Open fails with
// it wrapped in transport.ErrSerial.
type Opener struct {
	Modem *Modem
	Err   error
	// FailFrom makes every Open after the first FailFrom successful ones fail.
	FailFrom int

	mu       sync.Mutex
	attempts int
}

// Open returns a fresh port on the scripted modem.
func (o *Opener) Open() (transport.Port, error) {
	o.mu.Lock()
	o.attempts++
	n := o.attempts
	o.mu.Unlock()

	if o.Err != nil {
		return nil, errors.Join(transport.ErrSerial, o.Err)
	}
	if o.FailFrom > 0 && n > o.FailFrom {
		return nil, errors.Join(transport.ErrSerial, errors.New("device vanished"))
	}
	o.Modem.mu.Lock()
	o.Modem.opens++
	o.Modem.mu.Unlock()
	return &port{m: o.Modem}, nil
}

// Attempts returns how many times Open was called.
func (o *Opener) Attempts() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attempts
}

type port struct {
	m      *Modem
	closed bool
}

func (p *port) Write(b []byte) error {
	if p.closed {
		return errors.New("write on closed port")
	}
	return p.m.write(b)
}

func (p *port) ReadLine() (string, error) {
	if p.closed {
		return "", errors.New("read on closed port")
	}
	return p.m.readLine()
}

func (p *port) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.m.mu.Lock()
	p.m.closes++
	p.m.mu.Unlock()
	return nil
}
