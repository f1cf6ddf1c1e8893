package signalling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bigxfer/internal/config"
	"bigxfer/pkg/utils"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrAnswerTimeout   = errors.New("timeout waiting for answer")
)

// FirebaseClient keeps sessions under /sessions/<code> in a Realtime
// Database.
type FirebaseClient struct {
	ref          *db.Ref
	pollInterval time.Duration
	answerWait   time.Duration
}

func NewFirebaseClient(ctx context.Context, cfg *config.FirebaseConfig, signal config.SignalConfig) (*FirebaseClient, error) {
	app, err := firebase.NewApp(ctx, &firebase.Config{
		ProjectID:   cfg.ProjectID,
		DatabaseURL: cfg.DatabaseURL,
	}, option.WithCredentialsFile(cfg.CredentialsPath))
	if err != nil {
		return nil, fmt.Errorf("error initializing Firebase app: %w", err)
	}

	client, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting database client: %w", err)
	}

	defaults := config.NewDefaultConfig().Signal
	if signal.PollInterval <= 0 {
		signal.PollInterval = defaults.PollInterval
	}
	if signal.AnswerWait <= 0 {
		signal.AnswerWait = defaults.AnswerWait
	}

	return &FirebaseClient{
		ref:          client.NewRef("sessions"),
		pollInterval: signal.PollInterval,
		answerWait:   signal.AnswerWait,
	}, nil
}

// Session is the stored record. Vanilla ICE only: each side publishes
// one complete description.
type Session struct {
	ID     string `json:"sessionId"`
	Offer  string `json:"offer"`
	Answer string `json:"answer"`
}

func (f *FirebaseClient) load(ctx context.Context, sessionID string) (*db.Ref, Session, error) {
	var session Session
	ref := f.ref.Child(sessionID)
	if err := ref.Get(ctx, &session); err != nil {
		return nil, session, fmt.Errorf("error fetching session %s: %w", sessionID, err)
	}
	if session.ID == "" {
		return nil, session, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return ref, session, nil
}

func (f *FirebaseClient) CreateSession(ctx context.Context, offer string) (string, error) {
	code, err := utils.GenerateCode(utils.CodeLength)
	if err != nil {
		return "", fmt.Errorf("error generating session code: %w", err)
	}

	if err := f.ref.Child(code).Set(ctx, Session{ID: code, Offer: offer}); err != nil {
		return "", fmt.Errorf("error creating session: %w", err)
	}

	logrus.WithField("session", code).Debug("Session created")
	return code, nil
}

func (f *FirebaseClient) GetOffer(ctx context.Context, sessionID string) (string, error) {
	_, session, err := f.load(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if session.Offer == "" {
		return "", fmt.Errorf("session %s has no offer", sessionID)
	}
	return session.Offer, nil
}

func (f *FirebaseClient) UpdateAnswer(ctx context.Context, sessionID, answer string) error {
	ref, _, err := f.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := ref.Update(ctx, map[string]any{"answer": answer}); err != nil {
		return fmt.Errorf("error updating answer for session %s: %w", sessionID, err)
	}
	return nil
}

// WaitForAnswer polls the session until an answer appears. The session
// is deleted if none arrives within the configured wait.
func (f *FirebaseClient) WaitForAnswer(ctx context.Context, sessionID string) (string, error) {
	ref, _, err := f.load(ctx, sessionID)
	if err != nil {
		return "", err
	}

	log := logrus.WithField("session", sessionID)
	log.Info("Waiting for receiver to answer")

	deadline := time.NewTimer(f.answerWait)
	defer deadline.Stop()
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	for {
		var current struct {
			Answer string `json:"answer"`
		}
		if err := ref.Get(ctx, &current); err != nil {
			log.WithError(err).Warn("Failed to poll session")
		} else if current.Answer != "" {
			return current.Answer, nil
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			if err := f.DeleteSession(ctx, sessionID); err != nil {
				log.WithError(err).Warn("Failed to delete expired session")
			}
			return "", ErrAnswerTimeout
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (f *FirebaseClient) DeleteSession(ctx context.Context, sessionID string) error {
	ref, _, err := f.load(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		logrus.WithField("session", sessionID).Debug("Session already gone, skipping deletion")
		return nil
	}
	if err != nil {
		return err
	}
	if err := ref.Delete(ctx); err != nil {
		return fmt.Errorf("error deleting session %s: %w", sessionID, err)
	}
	return nil
}
