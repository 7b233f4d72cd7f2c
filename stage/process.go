// Package stage implements the archive and storage stages: the processing of
// completed transactions between the receiving server and the relay to the
// next hop.
package stage

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/archiver/auxlookup"
	"github.com/mjl-/archiver/backend"
	"github.com/mjl-/archiver/config"
	"github.com/mjl-/archiver/ledger"
	"github.com/mjl-/archiver/message"
	"github.com/mjl-/archiver/mlog"
	"github.com/mjl-/archiver/mtpserver"
	"github.com/mjl-/archiver/relay"
	"github.com/mjl-/archiver/smtp"
)

var (
	metricTransactions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archiver_stage_transactions_total",
			Help: "Transactions processed, by stage and result.",
		},
		[]string{
			"stage",
			"result", // archived, stored, duplicate, passthrough, rejected, backendfailed, relayfailed, error
		},
	)
	metricProcess = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "archiver_stage_process_duration_seconds",
			Help:    "Processing time of transactions, including backend and relay.",
			Buckets: []float64{0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30, 60},
		},
		[]string{
			"stage",
		},
	)
)

// Settings are the config values used during processing that are not
// specific to a stage.
type Settings struct {
	Hostname       string
	Timeout        time.Duration
	MaxMessageSize int64
	DateFromEmail  bool
	Whitelist      []string // Localparts.
	SubjectPattern string
	Resolver       relay.Resolver // For tcp next hops, nil for the default.
}

// NewSettings returns the settings from a static config.
func NewSettings(c config.Static) Settings {
	return Settings{
		Hostname:       c.Hostname,
		Timeout:        c.Timeout,
		MaxMessageSize: c.MaxMessageSize,
		DateFromEmail:  c.DateFromEmail,
		Whitelist:      c.Whitelist,
		SubjectPattern: c.SubjectPattern,
	}
}

// Processor processes transactions for one stage. It implements
// mtpserver.Processor. The server calls it for one transaction at a time.
type Processor struct {
	kind     string
	conf     config.Stage
	settings Settings
	ledger   *ledger.Ledger
	backend  backend.Backend
	aux      *auxlookup.Lookup // Nil if not configured. Only used by archive stage.
	relay    relay.Config
}

var _ mtpserver.Processor = (*Processor)(nil)

// NewProcessor returns a processor for stage conf.Kind.
func NewProcessor(conf config.Stage, settings Settings, l *ledger.Ledger, b backend.Backend, aux *auxlookup.Lookup) *Processor {
	return &Processor{
		kind:     conf.Kind,
		conf:     conf,
		settings: settings,
		ledger:   l,
		backend:  b,
		aux:      aux,
		relay: relay.Config{
			Stage:    conf.Kind,
			Addr:     conf.OutputAddr,
			Hostname: settings.Hostname,
			Timeout:  settings.Timeout,
			Resolver: settings.Resolver,
		},
	}
}

// Process handles a transaction and returns the reply for the client. A
// non-nil error is a failing ledger, which is fatal for the stage.
func (p *Processor) Process(ctx context.Context, log mlog.Log, tx *mtpserver.Transaction) (string, error) {
	log = log.WithPkg(p.kind)
	start := time.Now()
	defer func() {
		metricProcess.WithLabelValues(p.kind).Observe(float64(time.Since(start)) / float64(time.Second))
	}()

	var reply, result string
	var err error
	if p.kind == backend.Archive {
		reply, result, err = p.archive(ctx, log, tx)
	} else {
		reply, result, err = p.storage(ctx, log, tx)
	}
	if err != nil {
		result = "error"
		log.Errorx("processing transaction", err)
	}
	metricTransactions.WithLabelValues(p.kind, result).Inc()
	log.Debug("transaction result", slog.String("result", result), slog.String("reply", reply), slog.Duration("duration", time.Since(start)))
	return reply, err
}

func invalidMail() string {
	return smtp.Reply(smtp.C550MailboxUnavail, 0, "Invalid Mail")
}

func backendFailure(r backend.Result) string {
	code := r.Code
	if code < 400 || code > 599 {
		code = backend.CodeFailure
	}
	msg := r.Message
	if msg == "" {
		msg = "Backend failure"
	}
	return smtp.Reply(code, 0, msg)
}

// bodySize returns the size of the message data, without the line ending of
// the last line.
func bodySize(body []byte) int64 {
	return int64(len(bytes.TrimSuffix(body, []byte("\n"))))
}

// date returns the archive date of a message: its Date header if configured
// and valid, otherwise the time of receipt.
func (p *Processor) date(m *message.Message, received time.Time) time.Time {
	if p.settings.DateFromEmail {
		if t, ok := m.Date(); ok {
			return t
		}
	}
	return received
}

// storage stores messages stamped by an archive stage.
func (p *Processor) storage(ctx context.Context, log mlog.Log, tx *mtpserver.Transaction) (reply, result string, rerr error) {
	if size := bodySize(tx.Body); size < config.MinMessageSize {
		log.Info("message too small", slog.Int64("size", size))
		return invalidMail(), "rejected", nil
	}

	body := message.Normalize(tx.Body)
	m := message.Parse(body)
	mid := m.MessageID(p.conf.InputAddr.Address)
	hash := m.Hash()
	log = log.With(slog.String("messageid", mid), slog.String("hash", hash))

	id, found, err := p.ledger.Lookup(ctx, hash)
	if err != nil {
		return "", "", fmt.Errorf("ledger lookup: %w", err)
	}
	if found {
		log.Info("message already processed", slog.String("id", id))
		return p.relayMessage(ctx, log, tx, body, id, hash, true, "duplicate")
	}

	date := p.date(m, tx.Received)

	aid, ok := m.ArchiverID()
	if !ok {
		log.Debug("no archiver id in message, not storing")
		return p.relayMessage(ctx, log, tx, body, "", hash, false, "passthrough")
	}
	year, seq, err := message.ParseArchiverID(aid)
	if err != nil {
		log.Errorx("invalid archiver id header", err)
		return smtp.Reply(smtp.C550MailboxUnavail, 0, "Invalid X-Archiver-ID header"), "rejected", nil
	}
	id = message.FormatArchiverID(year, seq)
	log.Debug("storing message", slog.String("id", id))

	f := backend.Fields{
		Stage:     p.kind,
		Hash:      hash,
		MessageID: mid,
		Date:      date,
		Raw:       body,
		Sender:    tx.Sender,
		Year:      year,
		Seq:       seq,
	}
	r := p.backend.Process(ctx, f)
	if !r.OK {
		log.Error("backend failed", slog.Int("code", r.Code), slog.String("msg", r.Message))
		return backendFailure(r), "backendfailed", nil
	}

	// The backend has processed the message, record it even when shutting down.
	if err := p.ledger.Insert(context.WithoutCancel(ctx), hash, id); err != nil {
		return "", "", fmt.Errorf("ledger insert: %w", err)
	}
	return p.relayMessage(ctx, log, tx, body, id, hash, false, "stored")
}

// archive archives the metadata of messages and stamps them with their
// archive identifier.
func (p *Processor) archive(ctx context.Context, log mlog.Log, tx *mtpserver.Transaction) (reply, result string, rerr error) {
	log.Info("archiving message", slog.String("sender", tx.Sender), slog.Any("recipients", tx.Addresses()))

	size := bodySize(tx.Body)
	if size < config.MinMessageSize {
		log.Info("message too small", slog.Int64("size", size))
		return invalidMail(), "rejected", nil
	}

	body := message.Normalize(tx.Body)
	m := message.Parse(body)

	if tx.Sender == "" {
		log.Info("null sender, not archived")
		return p.relayMessage(ctx, log, tx, body, "", "", false, "passthrough")
	}

	mid := m.MessageID(p.conf.InputAddr.Address)
	hash := m.Hash()
	log = log.With(slog.String("messageid", mid), slog.String("hash", hash))

	id, found, err := p.ledger.Lookup(ctx, hash)
	if err != nil {
		return "", "", fmt.Errorf("ledger lookup: %w", err)
	}
	if found {
		log.Info("message already archived, only adding header", slog.String("id", id))
		return p.relayMessage(ctx, log, tx, m.Stamp(id), id, hash, true, "duplicate")
	}

	if name, dup := m.DuplicateHeader(); dup {
		log.Error("duplicate header", slog.String("header", name))
		return smtp.Reply(smtp.C552MailboxFull, 0, "Duplicate header "+name), "rejected", nil
	}

	from, ok := m.From(tx.Sender)
	if !ok {
		return smtp.Reply(smtp.C552MailboxFull, 0, "Mail has not suitable From/Sender"), "rejected", nil
	}
	recipients, ok := m.Recipients(tx.Addresses())
	if !ok {
		return smtp.Reply(smtp.C552MailboxFull, 0, "Mail has not suitable To/Recipient"), "rejected", nil
	}

	subject := m.Subject()
	if p.settings.SubjectPattern != "" && strings.Contains(subject, p.settings.SubjectPattern) {
		log.Info("subject pattern matched, not archived")
		return p.relayMessage(ctx, log, tx, m.Strip(), "", "", false, "passthrough")
	}

	check := append([]string{from}, recipients...)
	if addr, ok := message.ParseAddress(tx.Sender); ok {
		check = append(check, addr)
	}
	for _, addr := range check {
		if slices.Contains(p.settings.Whitelist, message.Localpart(addr)) {
			log.Info("address in whitelist, not archived", slog.String("address", addr))
			return p.relayMessage(ctx, log, tx, m.Strip(), "", "", false, "passthrough")
		}
	}

	if p.aux.QuotaEnabled() && p.aux.QuotaExceeded(from, size>>10) {
		log.Info("sender over quota", slog.String("from", from), slog.Int64("size", size))
		return smtp.Reply(smtp.C422QuotaExceeded, 0, "Sender quota exceeded"), "rejected", nil
	}

	date := p.date(m, tx.Received)

	parts, errs := message.Parts(body)
	for _, err := range errs {
		log.Errorx("parsing message part, skipped", err)
	}

	var mailboxes []string
	if p.aux.MailboxesEnabled() {
		mailboxes = p.aux.ResolveMailboxes(append([]string{from}, recipients...))
	}

	f := backend.Fields{
		Stage:      p.kind,
		Hash:       hash,
		MessageID:  mid,
		Date:       date,
		Raw:        body,
		Sender:     tx.Sender,
		From:       from,
		Recipients: recipients,
		Subject:    subject,
		Size:       size,
		Parts:      parts,
		Mailboxes:  mailboxes,
	}
	r := p.backend.Process(ctx, f)
	if !r.OK {
		log.Error("backend failed", slog.Int("code", r.Code), slog.String("msg", r.Message))
		return backendFailure(r), "backendfailed", nil
	}

	id = message.FormatArchiverID(r.Year, r.Seq)
	log.Info("message archived", slog.String("id", id))
	stamped := m.Stamp(id)
	// The backend has processed the message, record it even when shutting down.
	if err := p.ledger.Insert(context.WithoutCancel(ctx), hash, id); err != nil {
		return "", "", fmt.Errorf("ledger insert: %w", err)
	}
	return p.relayMessage(ctx, log, tx, stamped, id, hash, false, "archived")
}

// relayMessage delivers body to the next hop. If the message was found in the
// ledger (known), its entry is removed after successful delivery, so a later
// copy of the message is processed again.
func (p *Processor) relayMessage(ctx context.Context, log mlog.Log, tx *mtpserver.Transaction, body []byte, id, hash string, known bool, result string) (string, string, error) {
	env := relay.Envelope{
		Sender:     tx.Sender,
		Recipients: tx.Addresses(),
		Body:       body,
	}
	if len(tx.Recipients) > 0 {
		env.Notify = relay.NotifyParam(tx.Recipients[0].Params)
	}
	_, err := relay.Deliver(ctx, log, p.relay, env)
	if err != nil {
		log.Errorx("relaying to next hop", err)
		return relay.Reply(err, ""), "relayfailed", nil
	}
	reply := relay.Reply(nil, id)

	if known {
		removed, err := p.ledger.Remove(context.WithoutCancel(ctx), hash)
		if err != nil {
			// Message has been delivered, the client still gets a success reply.
			return reply, result, fmt.Errorf("ledger remove: %w", err)
		}
		log.Debug("removed message from ledger", slog.Bool("removed", removed))
	}
	return reply, result, nil
}
