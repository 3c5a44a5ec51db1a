package notify

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/retry"
	"github.com/mbd888/escrowd/internal/settlement"
)

// sendTimeout bounds one inline send attempt.
const sendTimeout = 10 * time.Second

// Dispatcher turns settlement events into emails. It implements
// settlement.EventSink.
type Dispatcher struct {
	mailer     Mailer
	queue      Queue
	renderer   *Renderer
	adminEmail string
	policy     retry.Policy
	wg         sync.WaitGroup
}

// NewDispatcher creates a dispatcher. queue may be nil, in which case
// messages that fail inline are logged and dropped.
func NewDispatcher(mailer Mailer, queue Queue, renderer *Renderer, adminEmail string) *Dispatcher {
	return &Dispatcher{
		mailer:     mailer,
		queue:      queue,
		renderer:   renderer,
		adminEmail: adminEmail,
		policy:     retry.Quick,
	}
}

var _ settlement.EventSink = (*Dispatcher)(nil)

// Publish renders and sends the emails for ev in the background.
func (d *Dispatcher) Publish(ctx context.Context, ev settlement.Event) {
	msgs := d.Compose(ctx, ev)
	if len(msgs) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for _, msg := range msgs {
			d.deliver(ctx, msg)
		}
	}()
}

// Flush waits for in-flight sends started by Publish.
func (d *Dispatcher) Flush() {
	d.wg.Wait()
}

// Compose renders the messages for ev. Recipients without an email
// address are skipped.
func (d *Dispatcher) Compose(ctx context.Context, ev settlement.Event) []Message {
	if ev.Escrow == nil {
		return nil
	}
	base := d.baseData(ev)

	type out struct {
		tpl  string
		user *ledger.User
		to   string
	}
	var targets []out
	switch ev.Type {
	case settlement.EventOrderPlaced:
		targets = []out{{tpl: TplOrderPlaced, user: ev.Buyer}, {tpl: TplNewOrder, user: ev.Seller}}
	case settlement.EventConfirmationResent:
		targets = []out{{tpl: TplConfirmationResent, user: ev.Buyer}}
	case settlement.EventEscrowReleased:
		targets = []out{{tpl: TplFundsReleased, user: ev.Seller}, {tpl: TplReceipt, user: ev.Buyer}}
	case settlement.EventProblemReported:
		targets = []out{{tpl: TplProblemReported, user: ev.Seller}}
		if d.adminEmail != "" {
			targets = append(targets, out{tpl: TplProblemReportedAdmin, to: d.adminEmail})
		}
	case settlement.EventDisputeOpened:
		targets = []out{{tpl: TplDisputeOpened, user: ev.Buyer}, {tpl: TplDisputeOpened, user: ev.Seller}}
	case settlement.EventEscrowRefunded:
		targets = []out{{tpl: TplRefundIssued, user: ev.Buyer}}
	default:
		return nil
	}

	msgs := make([]Message, 0, len(targets))
	for _, t := range targets {
		data := base
		to := t.to
		data.RecipientName = "team"
		if t.user != nil {
			to = t.user.Email
			data.RecipientName = firstNonEmpty(t.user.Name, "there")
		}
		if to == "" {
			logging.L(ctx).Warn("notification skipped, no recipient address",
				"template", t.tpl, "escrow_id", ev.Escrow.ID)
			metrics.NotificationsTotal.WithLabelValues(t.tpl, "skipped").Inc()
			continue
		}
		msg, err := d.renderer.Render(t.tpl, to, data)
		if err != nil {
			logging.L(ctx).Error("notification render failed", "template", t.tpl, "error", err)
			metrics.NotificationsTotal.WithLabelValues(t.tpl, "render_error").Inc()
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func (d *Dispatcher) baseData(ev settlement.Event) Data {
	data := Data{
		OrderID:  ev.Escrow.OrderID,
		EscrowID: ev.Escrow.ID,
		Amount:   d.renderer.Money(ev.Escrow.Amount),
		Reason:   ev.Reason,
		Items:    d.renderer.items(ev.Order),
	}
	if ev.Buyer != nil {
		data.BuyerName = firstNonEmpty(ev.Buyer.Name, "The buyer")
	}
	if ev.Seller != nil {
		data.SellerName = firstNonEmpty(ev.Seller.Name, "the seller")
	}
	if ev.ConfirmToken != "" {
		data.ConfirmURL = d.renderer.ConfirmURL(ev.Escrow.OrderID, ev.ConfirmToken)
		data.ExpiresAt = formatExpiry(ev.ConfirmTokenExpiresAt)
	}
	if ev.Type == settlement.EventEscrowReleased {
		data.SellerAmount = d.renderer.Money(ev.SellerAmount)
		data.PlatformFee = d.renderer.Money(ev.PlatformFee)
	}
	if ev.Problem != nil {
		data.Problem = ev.Problem.Description
	}
	return data
}

// deliver tries the mailer briefly and falls back to the queue.
func (d *Dispatcher) deliver(ctx context.Context, msg Message) {
	err := retry.Do(ctx, d.policy, func(ctx context.Context) error {
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()
		return d.mailer.Send(sendCtx, msg)
	})
	if err == nil {
		metrics.NotificationsTotal.WithLabelValues(msg.Template, "sent").Inc()
		return
	}

	log := logging.L(ctx).With("template", msg.Template, "to", logging.Secret(msg.To))
	if d.queue == nil {
		log.Error("notification dropped, no fallback queue", "error", err)
		metrics.NotificationsTotal.WithLabelValues(msg.Template, "dropped").Inc()
		return
	}
	if qerr := d.queue.Enqueue(ctx, msg); qerr != nil {
		log.Error("notification dropped, enqueue failed", "send_error", err, "error", qerr)
		metrics.NotificationsTotal.WithLabelValues(msg.Template, "dropped").Inc()
		return
	}
	log.Warn("notification queued for retry", "error", err)
	metrics.NotificationsTotal.WithLabelValues(msg.Template, "queued").Inc()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
