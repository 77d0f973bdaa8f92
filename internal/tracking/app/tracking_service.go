// Package app implements the recipient-facing tracking operations: open
// pixels, click redirects and unsubscribe confirmation. Everything here is
// driven by unauthenticated requests from the public internet, so unknown
// tokens degrade silently instead of leaking whether they ever existed.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mailkite/delivery-engine/internal/delivery/domain"
	"github.com/mailkite/delivery-engine/internal/delivery/repository"
)

// EventPublisher pushes engagement events to the analytics layer.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// TrackingService records engagement against the message ledger.
type TrackingService struct {
	messages   repository.MessageRepository
	events     repository.EventRepository
	shortLinks repository.ShortLinkRepository
	tokens     repository.UnsubscribeTokenRepository
	contacts   repository.ContactStore
	publisher  EventPublisher
	logger     *slog.Logger
}

// NewTrackingService wires the tracking service. publisher may be nil.
func NewTrackingService(
	messages repository.MessageRepository,
	events repository.EventRepository,
	shortLinks repository.ShortLinkRepository,
	tokens repository.UnsubscribeTokenRepository,
	contacts repository.ContactStore,
	publisher EventPublisher,
	logger *slog.Logger,
) *TrackingService {
	return &TrackingService{
		messages:   messages,
		events:     events,
		shortLinks: shortLinks,
		tokens:     tokens,
		contacts:   contacts,
		publisher:  publisher,
		logger:     logger.With("service", "tracking"),
	}
}

// RecordOpen handles one pixel fetch. Bot fetches and unknown tokens are
// dropped without error; the caller serves the pixel either way. The first
// genuine open flips the ledger row from sent to delivered.
func (s *TrackingService) RecordOpen(ctx context.Context, trackingToken, ip, userAgent string) {
	if IsBot(userAgent) {
		s.logger.DebugContext(ctx, "Ignoring bot open", "user_agent", userAgent)
		return
	}
	msg, err := s.messages.GetByTrackingToken(ctx, trackingToken)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.ErrorContext(ctx, "Failed to resolve tracking token", "error", err)
		}
		return
	}

	if err := s.events.Append(ctx, domain.NewEvent(msg.ID, domain.EventTypeOpened, "", ip, userAgent)); err != nil {
		s.logger.ErrorContext(ctx, "Failed to append open event", "error", err, "message_id", msg.ID)
	}
	flipped, err := s.messages.MarkDelivered(ctx, msg.ID, time.Now().UTC())
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to mark message delivered", "error", err, "message_id", msg.ID)
	}
	if flipped {
		s.publishEngagement(ctx, "email.events.opened", msg, "")
	}
}

// ResolveClick resolves a short code to its destination and records the
// click. Unknown codes return domain.ErrNotFound; an unknown tracking
// token still redirects, it just leaves no event. Clicks are recorded for
// bots too since a prefetched redirect still reaches the destination.
func (s *TrackingService) ResolveClick(ctx context.Context, shortCode, trackingToken, ip, userAgent string) (string, error) {
	link, err := s.shortLinks.GetByCode(ctx, shortCode)
	if err != nil {
		return "", err
	}

	msg, err := s.messages.GetByTrackingToken(ctx, trackingToken)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.ErrorContext(ctx, "Failed to resolve tracking token", "error", err)
		}
		return link.OriginalURL, nil
	}

	data := fmt.Sprintf(`{"url":%q,"short_code":%q}`, link.OriginalURL, link.ShortCode)
	if err := s.events.Append(ctx, domain.NewEvent(msg.ID, domain.EventTypeClicked, data, ip, userAgent)); err != nil {
		s.logger.ErrorContext(ctx, "Failed to append click event", "error", err, "message_id", msg.ID)
	}
	// A click proves the message arrived even if the pixel was blocked.
	if _, err := s.messages.MarkDelivered(ctx, msg.ID, time.Now().UTC()); err != nil {
		s.logger.ErrorContext(ctx, "Failed to mark message delivered", "error", err, "message_id", msg.ID)
	}
	s.publishEngagement(ctx, "email.events.clicked", msg, link.OriginalURL)

	return link.OriginalURL, nil
}

// Unsubscribe consumes the token and opts the contact out: from the one
// list the token is scoped to, or globally when it has no list scope.
// Returns domain.ErrNotFound, domain.ErrTokenExpired or domain.ErrTokenUsed
// on the respective failures.
func (s *TrackingService) Unsubscribe(ctx context.Context, token, ip, userAgent string) error {
	tok, err := s.tokens.GetByToken(ctx, token)
	if err != nil {
		return err
	}
	if tok.Expired(time.Now().UTC()) {
		return domain.ErrTokenExpired
	}
	if err := s.tokens.MarkUsed(ctx, token, time.Now().UTC()); err != nil {
		return err
	}

	if tok.ListID.Valid {
		err = s.contacts.UnsubscribeFromList(ctx, tok.ContactID, tok.ListID.UUID)
	} else {
		err = s.contacts.UpdateStatus(ctx, tok.ContactID, domain.ContactStatusUnsubscribed)
	}
	if err != nil {
		// The token is burnt but the contact row did not change; surface
		// the failure so the recipient retries through support.
		s.logger.ErrorContext(ctx, "Failed to record unsubscribe", "error", err, "contact_id", tok.ContactID)
		return err
	}

	s.logger.InfoContext(ctx, "Contact unsubscribed",
		"contact_id", tok.ContactID, "list_scoped", tok.ListID.Valid)

	if tok.CampaignID.Valid {
		msg, err := s.messages.FindByCampaignAndContact(ctx, tok.CampaignID.UUID, tok.ContactID)
		if err == nil {
			if err := s.events.Append(ctx, domain.NewEvent(msg.ID, domain.EventTypeUnsubscribed, "", ip, userAgent)); err != nil {
				s.logger.ErrorContext(ctx, "Failed to append unsubscribe event", "error", err, "message_id", msg.ID)
			}
			s.publishEngagement(ctx, "email.events.unsubscribed", msg, "")
		} else if !errors.Is(err, domain.ErrNotFound) {
			s.logger.ErrorContext(ctx, "Failed to find message for unsubscribe event", "error", err)
		}
	}
	return nil
}

func (s *TrackingService) publishEngagement(ctx context.Context, subject string, msg *domain.Message, url string) {
	if s.publisher == nil {
		return
	}
	payload := map[string]string{
		"message_id":  msg.ID.String(),
		"campaign_id": msg.CampaignID.String(),
		"contact_id":  msg.ContactID.String(),
	}
	if url != "" {
		payload["url"] = url
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := s.publisher.Publish(ctx, subject, data); err != nil {
		s.logger.WarnContext(ctx, "Failed to publish engagement event", "error", err, "subject", subject)
	}
}
