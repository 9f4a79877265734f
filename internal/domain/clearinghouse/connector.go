package clearinghouse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/rcm/internal/domain/claim"
	"github.com/ehr/rcm/internal/platform/blobstore"
	"github.com/ehr/rcm/internal/platform/telemetry"
)

// ClaimEngine is the part of the lifecycle engine the connector feeds.
type ClaimEngine interface {
	ApplyStatusUpdate(ctx context.Context, u claim.StatusUpdate) (*claim.Claim, error)
	ApplyRemittance(ctx context.Context, cmd claim.ApplyRemittanceCommand) (*claim.RemittanceResult, error)
	Resubmit(ctx context.Context, id uuid.UUID) (*claim.Claim, error)
}

// ClaimSource lists claims due for a status poll.
type ClaimSource interface {
	ListForSync(ctx context.Context, statuses []claim.Status, syncedBefore time.Time, limit int) ([]*claim.Claim, error)
}

type Config struct {
	Retry       RetryPolicy
	MinDwell    time.Duration
	Concurrency int
	BatchSize   int
}

func DefaultConfig() Config {
	return Config{Retry: DefaultRetryPolicy(), MinDwell: 4 * time.Hour, Concurrency: 8, BatchSize: 500}
}

// Connector wraps a Transport with retry, archiving and the periodic sync
// sweeps. It holds no business rules: every state change goes through the
// engine.
type Connector struct {
	transport Transport
	cfg       Config
	blobs     blobstore.Store
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
	retry     retrier
	clock     func() time.Time

	engine ClaimEngine
	claims ClaimSource
}

func NewConnector(t Transport, cfg Config, blobs blobstore.Store, logger zerolog.Logger, metrics *telemetry.Metrics) *Connector {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 500
	}
	c := &Connector{
		transport: t,
		cfg:       cfg,
		blobs:     blobs,
		logger:    logger.With().Str("component", "clearinghouse").Logger(),
		metrics:   metrics,
		clock:     time.Now,
	}
	c.retry = retrier{
		policy: cfg.Retry,
		sleep:  wait,
		onRetry: func(op string, attempt int, err error) {
			c.metrics.ClearinghouseRetry(op)
			c.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("clearinghouse call failed, retrying")
		},
	}
	return c
}

// Attach wires the engine the sweeps report to. The engine itself takes
// the connector as its Submitter, so this happens after both exist.
func (c *Connector) Attach(engine ClaimEngine, claims ClaimSource) {
	c.engine = engine
	c.claims = claims
}

func (c *Connector) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	_, err := c.retry.do(ctx, op, fn)
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.metrics.ClearinghouseCall(op, result, time.Since(start))
	return err
}

// SubmitClaim sends a claim and returns the clearinghouse correlation id.
// Format rejections come back wrapped in claim.ErrFormatRejected, and
// refused requests in claim.ErrSubmissionRefused.
func (c *Connector) SubmitClaim(ctx context.Context, cl *claim.Claim) (string, error) {
	var res *SubmitResult
	err := c.call(ctx, "submit", func(ctx context.Context) error {
		r, err := c.transport.SubmitClaim(ctx, toWire(cl))
		res = r
		return err
	})
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusBadRequest {
		return "", fmt.Errorf("%w: %s", claim.ErrFormatRejected, se.Body)
	}
	if Refused(err) {
		return "", fmt.Errorf("%w: %v", claim.ErrSubmissionRefused, err)
	}
	if err != nil {
		return "", err
	}
	if !res.Accepted {
		return "", fmt.Errorf("%w: %s", claim.ErrFormatRejected, strings.Join(res.Errors, "; "))
	}
	return res.ClearinghouseID, nil
}

func (c *Connector) PollStatus(ctx context.Context, clearinghouseID string) (*WireStatus, error) {
	var ws *WireStatus
	err := c.call(ctx, "poll", func(ctx context.Context) error {
		s, err := c.transport.PollStatus(ctx, clearinghouseID)
		ws = s
		return err
	})
	return ws, err
}

// DownloadERA fetches a remittance file, archives the raw bytes and parses
// them. A file that cannot be archived is not parsed.
func (c *Connector) DownloadERA(ctx context.Context, fileID string) ([]claim.Remittance, error) {
	var data []byte
	err := c.call(ctx, "download", func(ctx context.Context) error {
		d, _, err := c.transport.DownloadRemittance(ctx, fileID)
		data = d
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := c.archive(ctx, fileID, data); err != nil {
		return nil, err
	}
	return ParseERA(data)
}

func (c *Connector) archive(ctx context.Context, fileID string, data []byte) error {
	if c.blobs == nil {
		return nil
	}
	ct := "text/plain"
	switch trimmed := bytes.TrimLeft(data, "\ufeff \r\n\t"); {
	case bytes.HasPrefix(trimmed, []byte("ISA")):
		ct = "application/edi-x12"
	case bytes.HasPrefix(trimmed, []byte("{")):
		ct = "application/json"
	}
	if _, err := c.blobs.Put(ctx, blobstore.ERAKey(fileID), ct, data, map[string]string{"file_id": fileID}); err != nil {
		return fmt.Errorf("archive era %s: %w", fileID, err)
	}
	return nil
}

// IngestERA archives and applies an uploaded remittance document.
func (c *Connector) IngestERA(ctx context.Context, data []byte) ([]*claim.RemittanceResult, error) {
	remits, err := ParseERA(data)
	if err != nil {
		return nil, err
	}
	fileID := "upload-" + c.clock().UTC().Format("20060102T150405") + "-" + uuid.NewString()
	if err := c.archive(ctx, fileID, data); err != nil {
		return nil, err
	}
	return c.applyAll(ctx, remits)
}

func (c *Connector) applyAll(ctx context.Context, remits []claim.Remittance) ([]*claim.RemittanceResult, error) {
	if c.engine == nil {
		return nil, errors.New("clearinghouse connector is not attached to an engine")
	}
	out := make([]*claim.RemittanceResult, 0, len(remits))
	for _, r := range remits {
		res, err := c.engine.ApplyRemittance(ctx, claim.ApplyRemittanceCommand{Remittance: r})
		if err != nil {
			return out, fmt.Errorf("apply remittance %s: %w", r.BatchID, err)
		}
		out = append(out, res)
	}
	return out, nil
}

// SyncReport summarizes one status sweep.
type SyncReport struct {
	Polled       int `json:"polled"`
	Transitioned int `json:"transitioned"`
	Unchanged    int `json:"unchanged"`
	Resubmitted  int `json:"resubmitted"`
	Failed       int `json:"failed"`

	mu sync.Mutex
}

func (r *SyncReport) count(field *int) {
	r.mu.Lock()
	*field++
	r.mu.Unlock()
}

// SyncClaimStatuses polls every submitted or accepted claim not synced
// within the minimum dwell. Claims never handed to the clearinghouse are
// resubmitted instead. A failure on one claim is logged and counted; it
// never stops the sweep. Cancelling ctx stops scheduling new claims.
func (c *Connector) SyncClaimStatuses(ctx context.Context) (*SyncReport, error) {
	if c.engine == nil || c.claims == nil {
		return nil, errors.New("clearinghouse connector is not attached to an engine")
	}
	cutoff := c.clock().Add(-c.cfg.MinDwell)
	due, err := c.claims.ListForSync(ctx, []claim.Status{claim.StatusSubmitted, claim.StatusAccepted}, cutoff, c.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list claims for sync: %w", err)
	}

	rep := &SyncReport{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for _, cl := range due {
		if gctx.Err() != nil {
			break
		}
		cl := cl
		g.Go(func() error {
			c.syncOne(gctx, cl, rep)
			return nil
		})
	}
	_ = g.Wait()

	c.logger.Info().Int("due", len(due)).Int("polled", rep.Polled).Int("transitioned", rep.Transitioned).
		Int("resubmitted", rep.Resubmitted).Int("failed", rep.Failed).Msg("claim status sweep finished")
	return rep, ctx.Err()
}

func (c *Connector) syncOne(ctx context.Context, cl *claim.Claim, rep *SyncReport) {
	log := c.logger.With().Str("claim_id", cl.ID.String()).Logger()
	if cl.ClearinghouseID == "" {
		if cl.Status != claim.StatusSubmitted {
			return
		}
		updated, err := c.engine.Resubmit(ctx, cl.ID)
		if err != nil {
			rep.count(&rep.Failed)
			log.Warn().Err(err).Msg("claim resubmission failed")
			return
		}
		if updated.ClearinghouseID != "" || updated.Status != cl.Status {
			rep.count(&rep.Resubmitted)
		}
		return
	}

	ws, err := c.PollStatus(ctx, cl.ClearinghouseID)
	if err != nil {
		rep.count(&rep.Failed)
		log.Warn().Err(err).Str("clearinghouse_id", cl.ClearinghouseID).Msg("claim status poll failed")
		return
	}
	rep.count(&rep.Polled)
	updated, err := c.engine.ApplyStatusUpdate(ctx, claim.StatusUpdate{
		ClaimID:         cl.ID,
		ClearinghouseID: ws.ClearinghouseID,
		ExternalStatus:  ws.Status,
		Status:          MapStatus(ws.Status),
		ReasonCodes:     ws.ReasonCodes,
		AllowedAmount:   ws.AllowedAmount,
		Message:         ws.Message,
		ReceivedAt:      c.clock().UTC(),
	})
	if err != nil {
		rep.count(&rep.Failed)
		log.Warn().Err(err).Str("external_status", ws.Status).Msg("status update rejected")
		return
	}
	if updated.Status != cl.Status {
		rep.count(&rep.Transitioned)
	} else {
		rep.count(&rep.Unchanged)
	}
}

// RemittanceSyncReport summarizes one ERA sweep.
type RemittanceSyncReport struct {
	Files   int                       `json:"files"`
	Acked   int                       `json:"acked"`
	Failed  int                       `json:"failed"`
	Batches []*claim.RemittanceResult `json:"batches"`
}

// SyncRemittances downloads every pending ERA file, applies its batches and
// acknowledges the file once every batch is fully applied. Files are
// independent: one that fails is left pending for the next sweep.
func (c *Connector) SyncRemittances(ctx context.Context) (*RemittanceSyncReport, error) {
	if c.engine == nil {
		return nil, errors.New("clearinghouse connector is not attached to an engine")
	}
	var files []RemittanceFile
	err := c.call(ctx, "list", func(ctx context.Context) error {
		f, err := c.transport.ListRemittances(ctx)
		files = f
		return err
	})
	if err != nil {
		return nil, err
	}

	rep := &RemittanceSyncReport{}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Files++
		log := c.logger.With().Str("file_id", f.ID).Logger()
		remits, err := c.DownloadERA(ctx, f.ID)
		if err != nil {
			rep.Failed++
			log.Warn().Err(err).Msg("era download failed")
			continue
		}
		results, err := c.applyAll(ctx, remits)
		rep.Batches = append(rep.Batches, results...)
		if err != nil {
			rep.Failed++
			log.Warn().Err(err).Msg("era apply failed")
			continue
		}
		complete := true
		for _, r := range results {
			if r.Failed > 0 {
				complete = false
			}
		}
		if !complete {
			rep.Failed++
			log.Warn().Msg("era has unapplied records, leaving file pending")
			continue
		}
		if err := c.call(ctx, "ack", func(ctx context.Context) error { return c.transport.AckRemittance(ctx, f.ID) }); err != nil {
			rep.Failed++
			log.Warn().Err(err).Msg("era ack failed")
			continue
		}
		rep.Acked++
	}
	c.logger.Info().Int("files", rep.Files).Int("acked", rep.Acked).Int("failed", rep.Failed).Msg("remittance sweep finished")
	return rep, nil
}
