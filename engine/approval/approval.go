// Package approval carries the two human gates of a page: keyword
// proposals before a search runs and result sets after it completes.
// Proposals go out on NATS; editor decisions come back on NATS, the HTTP
// API, or the CLI.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/WessleyAI/shopsearch/engine/domain"
	"github.com/WessleyAI/shopsearch/pkg/natsutil"
	"github.com/nats-io/nats.go"
)

// NATS subjects.
const (
	SubjectKeywords  = "search.approval.keywords"
	SubjectResults   = "search.approval.results"
	SubjectDecisions = "search.approval.decisions"
	// DecisionQueue is the queue group of decision subscribers.
	DecisionQueue = "approval-deciders"
)

// PreviewSize caps the products attached to a results proposal.
const PreviewSize = 5

// KeywordProposal asks an editor to approve a generated phrase.
type KeywordProposal struct {
	PageID     string    `json:"pageId"`
	URL        string    `json:"url"`
	Keywords   string    `json:"keywords"`
	Feedback   string    `json:"feedback,omitempty"`
	ProposedAt time.Time `json:"proposedAt"`
}

// ResultsProposal asks an editor to approve the chosen search.
type ResultsProposal struct {
	PageID       string           `json:"pageId"`
	URL          string           `json:"url"`
	SearchID     string           `json:"searchId"`
	Keywords     string           `json:"keywords"`
	Platform     domain.Platform  `json:"platform"`
	ProductCount int              `json:"productCount"`
	QualityScore float64          `json:"qualityScore"`
	Attempts     int              `json:"attempts"`
	Preview      []domain.Product `json:"preview"`
	ProposedAt   time.Time        `json:"proposedAt"`
}

// Channel delivers proposals to editors.
type Channel interface {
	ProposeKeywords(ctx context.Context, p KeywordProposal) error
	ProposeResults(ctx context.Context, p ResultsProposal) error
}

// Preview returns the first PreviewSize products.
func Preview(products []domain.Product) []domain.Product {
	if len(products) <= PreviewSize {
		return products
	}
	return products[:PreviewSize]
}

// NATS publishes proposals as JSON.
type NATS struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// NewNATS creates a NATS channel.
func NewNATS(nc *nats.Conn, logger *slog.Logger) *NATS {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATS{nc: nc, logger: logger}
}

func (n *NATS) ProposeKeywords(ctx context.Context, p KeywordProposal) error {
	if err := natsutil.Publish(ctx, n.nc, SubjectKeywords, p); err != nil {
		return fmt.Errorf("approval: publish keywords for %s: %w", p.PageID, err)
	}
	n.logger.Info("approval: keywords proposed", "page_id", p.PageID, "keywords", p.Keywords)
	return nil
}

func (n *NATS) ProposeResults(ctx context.Context, p ResultsProposal) error {
	if err := natsutil.Publish(ctx, n.nc, SubjectResults, p); err != nil {
		return fmt.Errorf("approval: publish results for %s: %w", p.PageID, err)
	}
	n.logger.Info("approval: results proposed", "page_id", p.PageID, "search_id", p.SearchID, "products", p.ProductCount)
	return nil
}

// Log only logs proposals. Used when no broker is configured.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a log channel.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) ProposeKeywords(_ context.Context, p KeywordProposal) error {
	l.logger.Info("approval: keywords awaiting review", "page_id", p.PageID, "url", p.URL, "keywords", p.Keywords, "feedback", p.Feedback)
	return nil
}

func (l *Log) ProposeResults(_ context.Context, p ResultsProposal) error {
	l.logger.Info("approval: results awaiting review",
		"page_id", p.PageID, "search_id", p.SearchID, "keywords", p.Keywords,
		"platform", p.Platform, "products", p.ProductCount, "attempts", p.Attempts)
	return nil
}

// Multi fans proposals out to every channel and joins their errors.
type Multi []Channel

func (m Multi) ProposeKeywords(ctx context.Context, p KeywordProposal) error {
	var errs []error
	for _, c := range m {
		errs = append(errs, c.ProposeKeywords(ctx, p))
	}
	return errors.Join(errs...)
}

func (m Multi) ProposeResults(ctx context.Context, p ResultsProposal) error {
	var errs []error
	for _, c := range m {
		errs = append(errs, c.ProposeResults(ctx, p))
	}
	return errors.Join(errs...)
}

// Gate names the approval gate a decision applies to.
type Gate string

const (
	GateKeywords Gate = "keywords"
	GateResults  Gate = "results"
)

// Verdict is an editor's answer.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictReject  Verdict = "reject"
	// VerdictSelect points the page at SearchID (results gate only).
	VerdictSelect Verdict = "select"
)

// ErrInvalidDecision means a decision payload cannot be applied.
var ErrInvalidDecision = errors.New("approval: invalid decision")

// Decision is an editor's answer to a proposal.
type Decision struct {
	PageID   string  `json:"pageId"`
	Gate     Gate    `json:"gate"`
	Verdict  Verdict `json:"verdict"`
	Feedback string  `json:"feedback,omitempty"`
	SearchID string  `json:"searchId,omitempty"`
	// Keywords replaces the proposed phrase on keyword approval.
	Keywords string `json:"keywords,omitempty"`
}

// Validate checks that d names a page and a known gate and verdict.
func (d Decision) Validate() error {
	switch {
	case strings.TrimSpace(d.PageID) == "":
		return fmt.Errorf("%w: missing pageId", ErrInvalidDecision)
	case d.Gate != GateKeywords && d.Gate != GateResults:
		return fmt.Errorf("%w: gate %q", ErrInvalidDecision, d.Gate)
	case d.Verdict != VerdictApprove && d.Verdict != VerdictReject && d.Verdict != VerdictSelect:
		return fmt.Errorf("%w: verdict %q", ErrInvalidDecision, d.Verdict)
	case d.Verdict == VerdictSelect && (d.Gate != GateResults || d.SearchID == ""):
		return fmt.Errorf("%w: select needs the results gate and a searchId", ErrInvalidDecision)
	}
	return nil
}

// Decider applies decisions.
type Decider interface {
	Decide(ctx context.Context, d Decision) error
}

// SubscribeDecisions feeds decisions from SubjectDecisions to decider. A
// decision that fails is logged and dropped; editors resend.
func SubscribeDecisions(nc *nats.Conn, decider Decider, logger *slog.Logger) (*nats.Subscription, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return natsutil.QueueSubscribe(nc, SubjectDecisions, DecisionQueue, func(ctx context.Context, msg natsutil.Delivery[Decision]) {
		d := msg.Value
		if err := d.Validate(); err != nil {
			logger.Warn("approval: dropping decision", "page_id", d.PageID, "err", err)
			return
		}
		if err := decider.Decide(ctx, d); err != nil {
			logger.Error("approval: decision failed", "page_id", d.PageID, "gate", d.Gate, "verdict", d.Verdict, "err", err)
			return
		}
		logger.Info("approval: decision applied", "page_id", d.PageID, "gate", d.Gate, "verdict", d.Verdict)
	}, nil)
}

// PublishDecision sends d to the decision subject.
func PublishDecision(ctx context.Context, nc *nats.Conn, d Decision) error {
	if err := d.Validate(); err != nil {
		return err
	}
	return natsutil.Publish(ctx, nc, SubjectDecisions, d)
}
