package render

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mailkite/delivery-engine/internal/delivery/domain"
)

type MockShortLinkRepository struct {
	mock.Mock
}

func (m *MockShortLinkRepository) GetOrCreate(ctx context.Context, campaignID uuid.UUID, url string) (*domain.ShortLink, error) {
	args := m.Called(ctx, campaignID, url)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ShortLink), args.Error(1)
}

func (m *MockShortLinkRepository) GetByCode(ctx context.Context, code string) (*domain.ShortLink, error) {
	args := m.Called(ctx, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ShortLink), args.Error(1)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMergeTags(t *testing.T) {
	fields := map[string]string{"name": "Ada", "email": "ada@example.com", "city": ""}

	assert.Equal(t, "Hello Ada", MergeTags("Hello {{name}}", fields))
	assert.Equal(t, "Hello friend", MergeTags("Hello {{nickname|friend}}", fields))
	assert.Equal(t, "Hello ", MergeTags("Hello {{nickname}}", fields))
	// Empty values fall back to the default too.
	assert.Equal(t, "From somewhere", MergeTags("From {{city|somewhere}}", fields))
	assert.Equal(t, "ada@example.com Ada", MergeTags("{{ email }} {{ name }}", fields))
}

func renderInput(campaignID uuid.UUID, body string) Input {
	return Input{
		Template: &domain.Template{
			ID:      uuid.New(),
			Subject: "Hi {{name|there}}",
			Body:    body,
			Type:    "html",
		},
		Campaign: &domain.Campaign{
			ID:        campaignID,
			FromName:  "Acme News",
			FromEmail: "news@acme.example",
			ReplyTo:   sql.NullString{String: "support@acme.example", Valid: true},
			Status:    domain.CampaignStatusSending,
		},
		Contact: &domain.Contact{
			ID:     uuid.New(),
			Email:  "ada@example.com",
			Name:   "Ada",
			Status: domain.ContactStatusActive,
		},
		TrackingToken:    "tok-track",
		UnsubscribeToken: "tok-unsub",
	}
}

func TestRender_FullPipeline(t *testing.T) {
	campaignID := uuid.New()
	shortLinks := new(MockShortLinkRepository)
	shortLinks.On("GetOrCreate", mock.Anything, campaignID, "https://acme.example/sale").
		Return(&domain.ShortLink{
			ID: uuid.New(), CampaignID: campaignID,
			OriginalURL: "https://acme.example/sale", ShortCode: "abc123", CreatedAt: time.Now(),
		}, nil)

	r := NewRenderer(shortLinks, "https://t.mailkite.example/", "mail.mailkite.example", testLogger())

	body := `<html><body><p>Hi {{name}},</p><a href="https://acme.example/sale">Sale</a></body></html>`
	out, err := r.Render(context.Background(), renderInput(campaignID, body))
	require.NoError(t, err)

	assert.Equal(t, "Hi Ada", out.Subject)
	assert.Equal(t, "Acme News <news@acme.example>", out.From)
	assert.Equal(t, "support@acme.example", out.ReplyTo)
	assert.Equal(t, "ada@example.com", out.To)

	// Link rewritten through the click endpoint.
	assert.Contains(t, out.Body, `href="https://t.mailkite.example/track/click/abc123/tok-track"`)
	assert.NotContains(t, out.Body, `href="https://acme.example/sale"`)

	// Footer and pixel land before </body>.
	assert.Contains(t, out.Body, "/track/unsubscribe/tok-unsub")
	assert.Contains(t, out.Body, "/track/open/tok-track.png")
	closing := strings.Index(out.Body, "</body>")
	require.Greater(t, closing, 0)
	assert.Less(t, strings.Index(out.Body, "tok-track.png"), closing)

	// Compliance headers.
	assert.Equal(t, "<https://t.mailkite.example/track/unsubscribe/tok-unsub>", out.Headers["List-Unsubscribe"])
	assert.Equal(t, "List-Unsubscribe=One-Click", out.Headers["List-Unsubscribe-Post"])
	assert.Equal(t, "bulk", out.Headers["Precedence"])
	assert.Contains(t, out.Headers["Feedback-ID"], campaignID.String())
	assert.Regexp(t, `^<[0-9a-f-]+@mail\.mailkite\.example>$`, out.Headers["Message-ID"])

	shortLinks.AssertExpectations(t)
}

func TestRender_SameURLSameCode(t *testing.T) {
	campaignID := uuid.New()
	shortLinks := new(MockShortLinkRepository)
	shortLinks.On("GetOrCreate", mock.Anything, campaignID, "https://acme.example/sale").
		Return(&domain.ShortLink{ShortCode: "abc123", CampaignID: campaignID, OriginalURL: "https://acme.example/sale"}, nil).
		Twice()

	r := NewRenderer(shortLinks, "https://t.mailkite.example", "mail.mailkite.example", testLogger())

	body := `<body><a href="https://acme.example/sale">one</a><a href="https://acme.example/sale">two</a></body>`
	out, err := r.Render(context.Background(), renderInput(campaignID, body))
	require.NoError(t, err)

	assert.Equal(t, 2, strings.Count(out.Body, "/track/click/abc123/tok-track"))
}

func TestRender_PixelAppendedWithoutBodyTag(t *testing.T) {
	shortLinks := new(MockShortLinkRepository)
	r := NewRenderer(shortLinks, "https://t.mailkite.example", "mail.mailkite.example", testLogger())

	out, err := r.Render(context.Background(), renderInput(uuid.New(), `<p>plain fragment</p>`))
	require.NoError(t, err)

	assert.True(t, strings.HasSuffix(out.Body, `style="display:none;"/>`))
	assert.Contains(t, out.Body, "/track/open/tok-track.png")
}

func TestRender_TrackingLinksNotRewritten(t *testing.T) {
	shortLinks := new(MockShortLinkRepository)
	r := NewRenderer(shortLinks, "https://t.mailkite.example", "mail.mailkite.example", testLogger())

	body := `<body><a href="https://t.mailkite.example/track/unsubscribe/old-token">unsubscribe</a></body>`
	out, err := r.Render(context.Background(), renderInput(uuid.New(), body))
	require.NoError(t, err)

	assert.Contains(t, out.Body, "/track/unsubscribe/old-token")
	shortLinks.AssertNotCalled(t, "GetOrCreate", mock.Anything, mock.Anything, mock.Anything)
}
