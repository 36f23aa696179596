package services

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"github.com/google/uuid"
	"github.com/kamikazebr/luna-auth/internal/logging"
	"google.golang.org/api/iterator"
)

type AuditEventType string

const (
	AuditRegistered             AuditEventType = "REGISTERED"
	AuditEmailVerified          AuditEventType = "EMAIL_VERIFIED"
	AuditLogin                  AuditEventType = "LOGIN"
	AuditLoginChallenged        AuditEventType = "LOGIN_CHALLENGED"
	AuditDeviceVerified         AuditEventType = "DEVICE_VERIFIED"
	AuditTokenRefreshed         AuditEventType = "TOKEN_REFRESHED"
	AuditTokenReuseDetected     AuditEventType = "TOKEN_REUSE_DETECTED"
	AuditPasswordResetRequested AuditEventType = "PASSWORD_RESET_REQUESTED"
	AuditPasswordReset          AuditEventType = "PASSWORD_RESET"
	AuditGoogleLinked           AuditEventType = "GOOGLE_LINKED"
	AuditGoogleLogin            AuditEventType = "GOOGLE_LOGIN"
	AuditGoogleRegistered       AuditEventType = "GOOGLE_REGISTERED"
	AuditLogout                 AuditEventType = "LOGOUT"
)

type AuditEvent struct {
	AccountID  string            `firestore:"account_id" json:"account_id"`
	Type       AuditEventType    `firestore:"type" json:"type"`
	IPAddress  string            `firestore:"ip_address" json:"ip_address,omitempty"`
	UserAgent  string            `firestore:"user_agent" json:"user_agent,omitempty"`
	Details    map[string]string `firestore:"details" json:"details,omitempty"`
	OccurredAt time.Time         `firestore:"occurred_at" json:"occurred_at"`
}

// AuditSink records account activity.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent) error
}

// LogAuditSink writes events to the structured log.
type LogAuditSink struct {
	log logging.Logger
}

func NewLogAuditSink(log logging.Logger) *LogAuditSink {
	return &LogAuditSink{log: log}
}

func (s *LogAuditSink) Record(ctx context.Context, event AuditEvent) error {
	args := []any{"account_id", event.AccountID, "event", event.Type, "ip", event.IPAddress}
	for k, v := range event.Details {
		args = append(args, k, v)
	}
	s.log.Info(ctx, "audit", args...)
	return nil
}

// FirestoreAuditSink stores events under {collection}/{account_id}/events.
type FirestoreAuditSink struct {
	client     *firestore.Client
	collection string
}

func NewFirestoreAuditSink(ctx context.Context, app *firebase.App, collection string) (*FirestoreAuditSink, error) {
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get Firestore client: %w", err)
	}
	if collection == "" {
		collection = "auth_activity"
	}
	return &FirestoreAuditSink{client: client, collection: collection}, nil
}

func (s *FirestoreAuditSink) Record(ctx context.Context, event AuditEvent) error {
	_, err := s.client.
		Collection(s.collection).
		Doc(event.AccountID).
		Collection("events").
		NewDoc().
		Set(ctx, event)
	if err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}
	return nil
}

// ListForAccount returns the most recent events of an account, newest first.
func (s *FirestoreAuditSink) ListForAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]AuditEvent, error) {
	iter := s.client.
		Collection(s.collection).
		Doc(accountID.String()).
		Collection("events").
		OrderBy("occurred_at", firestore.Desc).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	var events []AuditEvent
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate audit events: %w", err)
		}

		var event AuditEvent
		if err := doc.DataTo(&event); err != nil {
			return nil, fmt.Errorf("failed to decode audit event: %w", err)
		}
		events = append(events, event)
	}
	return events, nil
}

func (s *FirestoreAuditSink) Close() error {
	return s.client.Close()
}

const defaultAuditTimeout = 3 * time.Second

// auditRecorder never lets a sink failure reach the caller, and bounds how
// long a slow sink can hold up the request.
type auditRecorder struct {
	sink    AuditSink
	log     logging.Logger
	now     func() time.Time
	timeout time.Duration
}

func (r *auditRecorder) record(ctx context.Context, accountID uuid.UUID, eventType AuditEventType, client ClientInfo, details map[string]string) {
	if r.sink == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.log.Error(ctx, "audit sink panicked", "event", eventType, "panic", p)
		}
	}()

	event := AuditEvent{
		AccountID:  accountID.String(),
		Type:       eventType,
		IPAddress:  client.IP,
		UserAgent:  client.UserAgent,
		Details:    details,
		OccurredAt: r.now().UTC(),
	}
	timeout := r.timeout
	if timeout <= 0 {
		timeout = defaultAuditTimeout
	}
	sinkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := r.sink.Record(sinkCtx, event); err != nil {
		r.log.Warn(ctx, "failed to record audit event", "event", eventType, "account_id", accountID, "error", err)
	}
}
