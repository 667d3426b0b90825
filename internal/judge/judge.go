// Package judge asks one model to score the latest answers of the others and applies the scores
// as ratings.
package judge

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nadmax/nexarena/internal/domain"
	"github.com/nadmax/nexarena/internal/metrics"
	"github.com/nadmax/nexarena/internal/provider"
	"github.com/nadmax/nexarena/internal/repository"
	"github.com/sirupsen/logrus"
)

const Temperature = 0.1

const DefaultInstructions = `You are an impartial AI Judge.
Evaluate the quality of the following AI responses based on the user's original intent.
Assign a score from 1 to 5 for EACH response (1=Poor, 5=Excellent).

Guidelines:
- Accuracy: Does it correctly and safely answer the user's prompt?
- Helpfulness: Is the tone appropriate and the content useful?
- Reasoning: Did the model follow instructions and show good logic?
- Differentiation: Be strict. Avoid giving the same score to different models. If one is even slightly better, reflect that in the score.

Respond with a JSON object where the keys are the exact Model IDs provided and the values are the integer scores.
Example: { "model_id_1": 5, "model_id_2": 3 }

You can wrap the JSON in a markdown code block if needed. No other text or explanation.`

// Entry is one answer under evaluation.
type Entry struct {
	ModelID  string `json:"model_id"`
	ResultID string `json:"result_id"`
	Response string `json:"-"`
}

type Batch struct {
	SessionID string
	Prompt    string
	Entries   []Entry
}

// BuildBatch collects the latest successful result of every model in the session.
func BuildBatch(session *domain.Session) (*Batch, error) {
	modelIDs := session.Models
	if len(modelIDs) == 0 {
		for id := range session.Results {
			modelIDs = append(modelIDs, id)
		}
		sort.Strings(modelIDs)
	}

	b := &Batch{SessionID: session.ID}
	for _, id := range modelIDs {
		r, ok := session.Latest(id)
		if !ok || r.Response == "" || r.Failed() {
			continue
		}
		b.Entries = append(b.Entries, Entry{ModelID: id, ResultID: r.ID, Response: r.Response})
		b.Prompt = r.Prompt
	}

	if len(b.Entries) == 0 {
		return nil, domain.InvalidRequest("no completed responses to judge")
	}

	return b, nil
}

// Message renders the user turn sent to the judge model.
func (b *Batch) Message() string {
	parts := make([]string, len(b.Entries))
	for i, e := range b.Entries {
		parts[i] = fmt.Sprintf("Model ID: %s\nResponse:\n%s", e.ModelID, e.Response)
	}

	return "[User Prompt]\n" + b.Prompt + "\n\n[Model Responses to Evaluate]\n" + strings.Join(parts, "\n\n---\n\n")
}

type AdapterSource interface {
	Get(m domain.Model) (provider.Adapter, error)
}

// Verdict is the outcome of one judge run.
type Verdict struct {
	SessionID    string  `json:"session_id"`
	JudgeModelID string  `json:"judge_model_id"`
	Scores       []Score `json:"scores"`
	Status       string  `json:"status"`
}

type Judge struct {
	catalog      *domain.Catalog
	adapters     AdapterSource
	sessions     repository.SessionRepository
	instructions string
	log          logrus.FieldLogger
}

func New(catalog *domain.Catalog, adapters AdapterSource, sessions repository.SessionRepository, instructions string, log logrus.FieldLogger) *Judge {
	if instructions == "" {
		instructions = DefaultInstructions
	}

	return &Judge{
		catalog:      catalog,
		adapters:     adapters,
		sessions:     sessions,
		instructions: instructions,
		log:          log.WithField("component", "judge"),
	}
}

// Status renders the single line shown to the caller for a judge run.
func Status(v *Verdict, err error) string {
	if err != nil {
		return "Error: " + err.Error()
	}

	return fmt.Sprintf("Scored %d models", len(v.Scores))
}

func outcome(err error) string {
	switch domain.KindOf(err) {
	case "":
		return "success"
	case domain.KindJudgeParse:
		return "parse_error"
	case domain.KindJudgeNoMatch:
		return "no_match"
	default:
		return "error"
	}
}

// Run scores the session's latest answers with judgeModelID. Either every score is applied or
// none is. An empty sessionID means the active session; empty instructions use the defaults.
func (j *Judge) Run(ctx context.Context, sessionID, judgeModelID, instructions string) (v *Verdict, err error) {
	defer func() {
		metrics.RecordJudgeRun(outcome(err))
		if err != nil {
			j.log.WithError(err).WithField("judge_model", judgeModelID).Warn("Judge run failed")
		}
	}()

	m, ok := j.catalog.Get(judgeModelID)
	if !ok {
		return nil, domain.InvalidRequest("unknown judge model: " + judgeModelID)
	}
	if m.Mode == domain.ModeImage {
		return nil, domain.InvalidRequest("judge model must be a chat model")
	}

	var session *domain.Session
	if sessionID == "" {
		session, err = j.sessions.ActiveSession(ctx)
	} else {
		session, err = j.sessions.GetSession(ctx, sessionID)
	}
	if err != nil {
		return nil, err
	}

	batch, err := BuildBatch(session)
	if err != nil {
		return nil, err
	}

	adapter, err := j.adapters.Get(m)
	if err != nil {
		return nil, err
	}

	if instructions == "" {
		instructions = j.instructions
	}

	reply, err := adapter.Complete(ctx, provider.Request{
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: instructions},
			{Role: provider.RoleUser, Content: batch.Message()},
		},
		Temperature: Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("judge request failed: %w", err)
	}

	scores, err := ParseScores(reply, batch.Entries)
	if err != nil {
		j.log.WithField("reply", reply).Debug("Unusable judge reply")
		return nil, err
	}

	updates := make([]domain.RatingUpdate, len(scores))
	for i, s := range scores {
		updates[i] = domain.RatingUpdate{
			ModelID:  s.ModelID,
			ResultID: s.ResultID,
			Rating:   s.Score,
			Source:   domain.RatingJudge,
		}
	}
	if err := j.sessions.ApplyRatings(ctx, session.ID, updates); err != nil {
		return nil, fmt.Errorf("failed to apply judge ratings: %w", err)
	}

	v = &Verdict{SessionID: session.ID, JudgeModelID: m.ID, Scores: scores}
	v.Status = Status(v, nil)
	j.log.WithFields(logrus.Fields{"session_id": session.ID, "judge_model": m.ID, "scored": len(scores)}).Info("Judge ratings applied")

	return v, nil
}
