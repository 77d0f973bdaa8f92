package domain

import "errors"

var (
	// ErrNotFound is returned when a row referenced by id or token does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNoDueJobs is returned by the job store when a poll finds nothing schedulable.
	ErrNoDueJobs = errors.New("no due jobs")

	// ErrInvalidTransition is returned when a status change is not permitted
	// by the owning state machine.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrCampaignAlreadySent rejects orchestration of a campaign that is
	// already sending or sent.
	ErrCampaignAlreadySent = errors.New("campaign already sending or sent")

	// ErrCampaignNotSendable is returned when a campaign is missing the
	// template, list or sender fields required to send.
	ErrCampaignNotSendable = errors.New("campaign is not sendable")

	// ErrNotCancellable is returned when cancelling a campaign the scheduler
	// has already picked up.
	ErrNotCancellable = errors.New("campaign already picked up for sending")

	// ErrTokenUsed is returned when a single-use unsubscribe token is
	// presented a second time.
	ErrTokenUsed = errors.New("token already used")

	// ErrTokenExpired is returned for an unsubscribe token past its expiry.
	ErrTokenExpired = errors.New("token expired")
)
