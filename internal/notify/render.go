package notify

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"net/url"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowd/internal/ledger"
)

//go:embed templates/*
var templateFS embed.FS

// Template names.
const (
	TplOrderPlaced          = "order_placed"
	TplConfirmationResent   = "confirmation_resent"
	TplNewOrder             = "new_order"
	TplFundsReleased        = "funds_released"
	TplReceipt              = "receipt"
	TplProblemReported      = "problem_reported"
	TplProblemReportedAdmin = "problem_reported_admin"
	TplDisputeOpened        = "dispute_opened"
	TplRefundIssued         = "refund_issued"
)

// Renderer turns template data into Messages.
type Renderer struct {
	html     *htmltemplate.Template
	text     *texttemplate.Template
	baseURL  string
	currency string
}

// NewRenderer parses the embedded templates. baseURL is the storefront
// that hosts the confirmation page.
func NewRenderer(baseURL, currency string) (*Renderer, error) {
	html, err := htmltemplate.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse html templates: %w", err)
	}
	text, err := texttemplate.ParseFS(templateFS, "templates/*.txt")
	if err != nil {
		return nil, fmt.Errorf("parse text templates: %w", err)
	}
	return &Renderer{
		html:     html,
		text:     text,
		baseURL:  strings.TrimRight(baseURL, "/"),
		currency: currency,
	}, nil
}

// itemLine is a line item formatted for display.
type itemLine struct {
	Name     string
	Quantity int
	Subtotal string
}

// Data is the template context shared by every email.
type Data struct {
	RecipientName string
	BuyerName     string
	SellerName    string
	OrderID       string
	EscrowID      string
	Amount        string
	SellerAmount  string
	PlatformFee   string
	ConfirmURL    string
	ExpiresAt     string
	Problem       string
	Reason        string
	Items         []itemLine
}

// ShortOrderID is the first block of the order id, for subject lines.
func (d Data) ShortOrderID() string {
	if i := strings.IndexByte(d.OrderID, '-'); i > 0 {
		return "#" + d.OrderID[:i]
	}
	return "#" + d.OrderID
}

// Render executes name's subject, text and HTML templates for recipient.
func (r *Renderer) Render(name, to string, data Data) (Message, error) {
	var subject, text, html bytes.Buffer
	if err := r.text.ExecuteTemplate(&subject, name+".subject", data); err != nil {
		return Message{}, fmt.Errorf("render %s subject: %w", name, err)
	}
	if err := r.text.ExecuteTemplate(&text, name+".text", data); err != nil {
		return Message{}, fmt.Errorf("render %s text: %w", name, err)
	}
	if err := r.html.ExecuteTemplate(&html, name+".html", data); err != nil {
		return Message{}, fmt.Errorf("render %s html: %w", name, err)
	}
	return Message{
		Template: name,
		To:       to,
		Subject:  strings.TrimSpace(subject.String()),
		Text:     strings.TrimSpace(text.String()) + "\n",
		HTML:     html.String(),
	}, nil
}

// Money formats minor units for display, e.g. 950000 -> "NGN 9,500.00".
func (r *Renderer) Money(minor int64) string {
	s := decimal.New(minor, -2).StringFixed(2)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	whole, frac, _ := strings.Cut(s, ".")
	var b strings.Builder
	for i, c := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	out := r.currency + " " + b.String() + "." + frac
	if neg {
		out = "-" + out
	}
	return out
}

// ConfirmURL builds the buyer-facing confirmation link for an order.
func (r *Renderer) ConfirmURL(orderID, token string) string {
	q := url.Values{}
	q.Set("token", token)
	return r.baseURL + "/orders/" + url.PathEscape(orderID) + "/confirm?" + q.Encode()
}

func (r *Renderer) items(o *ledger.Order) []itemLine {
	if o == nil {
		return nil
	}
	lines := make([]itemLine, 0, len(o.Items))
	for _, li := range o.Items {
		name := li.Name
		if name == "" {
			name = li.ProductID
		}
		lines = append(lines, itemLine{Name: name, Quantity: li.Quantity, Subtotal: r.Money(li.Subtotal())})
	}
	return lines
}

func formatExpiry(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format("Mon 2 Jan 2006 15:04 MST")
}
