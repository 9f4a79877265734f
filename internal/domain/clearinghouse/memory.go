package clearinghouse

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type memClaim struct {
	wire    WireClaim
	status  string
	reasons []string
	allowed *decimal.Decimal
}

type memFile struct {
	id          string
	data        []byte
	contentType string
	receivedAt  time.Time
	acked       bool
}

// MemoryTransport is an in-process clearinghouse used in development and
// tests. Submitted claims start at status A1 (received).
type MemoryTransport struct {
	mu       sync.Mutex
	seq      int
	claims   map[string]*memClaim
	files    map[string]*memFile
	failures map[string][]error
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		claims:   make(map[string]*memClaim),
		files:    make(map[string]*memFile),
		failures: make(map[string][]error),
	}
}

// FailNext queues errs to be returned by the next calls of op ("submit",
// "poll", "list", "download", "ack") before normal behavior resumes.
func (m *MemoryTransport) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], errs...)
}

// Unavailable is a transient error for FailNext.
func Unavailable() error { return &StatusError{Code: http.StatusServiceUnavailable, Body: "maintenance"} }

func (m *MemoryTransport) fail(op string) error {
	q := m.failures[op]
	if len(q) == 0 {
		return nil
	}
	m.failures[op] = q[1:]
	return q[0]
}

// SetStatus sets what the next polls for clearinghouseID report.
func (m *MemoryTransport) SetStatus(clearinghouseID, status string, allowed *decimal.Decimal, reasons ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.claims[clearinghouseID]; ok {
		c.status, c.allowed, c.reasons = status, allowed, reasons
	}
}

// AddRemittance makes a file available for download.
func (m *MemoryTransport) AddRemittance(id string, data []byte, contentType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[id] = &memFile{id: id, data: data, contentType: contentType, receivedAt: time.Now().UTC()}
}

// Acked reports whether the file was acknowledged.
func (m *MemoryTransport) Acked(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	return ok && f.acked
}

func (m *MemoryTransport) SubmitClaim(_ context.Context, wc *WireClaim) (*SubmitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("submit"); err != nil {
		return nil, err
	}
	var problems []string
	if wc.PayerID == "" {
		problems = append(problems, "payer id missing")
	}
	if len(wc.Lines) == 0 {
		problems = append(problems, "no service lines")
	}
	for _, l := range wc.Lines {
		if len(l.DiagnosisCodes) == 0 {
			problems = append(problems, fmt.Sprintf("line %d has no diagnosis pointer", l.LineNumber))
		}
	}
	if len(problems) > 0 {
		return &SubmitResult{Errors: problems}, nil
	}
	for id, c := range m.claims {
		if c.wire.PatientControlNumber == wc.PatientControlNumber {
			return &SubmitResult{ClearinghouseID: id, Accepted: true}, nil
		}
	}
	m.seq++
	id := fmt.Sprintf("CH%08d", m.seq)
	m.claims[id] = &memClaim{wire: *wc, status: "A1"}
	return &SubmitResult{ClearinghouseID: id, Accepted: true}, nil
}

func (m *MemoryTransport) PollStatus(_ context.Context, clearinghouseID string) (*WireStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("poll"); err != nil {
		return nil, err
	}
	c, ok := m.claims[clearinghouseID]
	if !ok {
		return nil, &StatusError{Code: http.StatusNotFound, Body: "unknown claim " + clearinghouseID}
	}
	return &WireStatus{
		ClearinghouseID:      clearinghouseID,
		PatientControlNumber: c.wire.PatientControlNumber,
		Status:               c.status,
		ReasonCodes:          append([]string(nil), c.reasons...),
		AllowedAmount:        c.allowed,
	}, nil
}

func (m *MemoryTransport) ListRemittances(_ context.Context) ([]RemittanceFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("list"); err != nil {
		return nil, err
	}
	var out []RemittanceFile
	for _, f := range m.files {
		if f.acked {
			continue
		}
		out = append(out, RemittanceFile{ID: f.id, Format: f.contentType, ReceivedAt: f.receivedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryTransport) DownloadRemittance(_ context.Context, fileID string) ([]byte, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("download"); err != nil {
		return nil, "", err
	}
	f, ok := m.files[fileID]
	if !ok {
		return nil, "", &StatusError{Code: http.StatusNotFound, Body: "unknown file " + fileID}
	}
	return append([]byte(nil), f.data...), f.contentType, nil
}

func (m *MemoryTransport) AckRemittance(_ context.Context, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ack"); err != nil {
		return err
	}
	f, ok := m.files[fileID]
	if !ok {
		return &StatusError{Code: http.StatusNotFound, Body: "unknown file " + fileID}
	}
	f.acked = true
	return nil
}
