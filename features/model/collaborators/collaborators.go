// Package collaborators implements the orchestrator collaborators by prompting
// a model.Client and decoding its JSON replies.
package collaborators

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"goa.design/analyst/features/model"
	"goa.design/analyst/runtime/analyst/collab"
	"goa.design/analyst/runtime/analyst/plan"
)

type (
	// Options configures the collaborators.
	Options struct {
		// Client is the model used by every collaborator. Required.
		Client model.Client
		// Capabilities lists the capabilities the planner may use. Defaults
		// to data, analysis and visualization.
		Capabilities []plan.Capability
		// MaxTokens caps each completion. Zero uses the client default.
		MaxTokens int
	}

	// Set bundles the collaborators sharing one model client.
	Set struct {
		client       model.Client
		capabilities []string
		maxTokens    int
	}

	revisionReply struct {
		Fixed bool            `json:"fixed"`
		Plan  json.RawMessage `json:"plan"`
	}

	intentReply struct {
		Intent collab.Intent `json:"intent"`
	}

	rewriteReply struct {
		CleanQuery string `json:"clean_query"`
	}

	decisionReply struct {
		Action    collab.Action `json:"action"`
		FixedNode *plan.Node    `json:"fixed_node"`
		Reason    string        `json:"reason"`
	}
)

const systemPrompt = "You are the planning component of a data analysis assistant. " +
	"Follow the requested reply format exactly."

//go:embed prompts/*.tmpl
var promptFS embed.FS

var prompts = template.Must(template.New("").Funcs(template.FuncMap{
	"join": strings.Join,
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
}).ParseFS(promptFS, "prompts/*.tmpl"))

// New returns the collaborator set.
func New(opts Options) (*Set, error) {
	if opts.Client == nil {
		return nil, errors.New("model client is required")
	}
	caps := opts.Capabilities
	if len(caps) == 0 {
		caps = []plan.Capability{plan.CapabilityData, plan.CapabilityAnalysis, plan.CapabilityVisualization}
	}
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = string(c)
	}
	return &Set{client: opts.Client, capabilities: names, maxTokens: opts.MaxTokens}, nil
}

// Planner returns the model-backed planner.
func (s *Set) Planner() collab.Planner { return collab.PlannerFunc(s.plan) }

// Critic returns the model-backed critic.
func (s *Set) Critic() collab.Critic { return collab.CriticFunc(s.critique) }

// Revisor returns the model-backed revisor.
func (s *Set) Revisor() collab.Revisor { return collab.RevisorFunc(s.revise) }

// Resolver returns the model-backed resolver.
func (s *Set) Resolver() collab.Resolver { return collab.ResolverFunc(s.resolve) }

// Summarizer returns the model-backed summarizer.
func (s *Set) Summarizer() collab.Summarizer { return collab.SummarizerFunc(s.summarize) }

// Classifier returns the model-backed intent classifier.
func (s *Set) Classifier() collab.IntentClassifier { return collab.ClassifierFunc(s.classify) }

// Rewriter returns the model-backed follow-up rewriter.
func (s *Set) Rewriter() collab.Rewriter { return collab.RewriterFunc(s.rewrite) }

// Responder returns the model-backed chat responder.
func (s *Set) Responder() collab.Responder { return collab.ResponderFunc(s.respond) }

func (s *Set) plan(ctx context.Context, req collab.PlanRequest) (*plan.Plan, error) {
	text, err := s.complete(ctx, "planner.tmpl", map[string]any{
		"Query":        req.Query,
		"Schema":       req.Schema,
		"History":      req.History,
		"Capabilities": s.capabilities,
	})
	if err != nil {
		return nil, err
	}
	doc, err := extractJSON(text)
	if err != nil {
		return nil, fmt.Errorf("planner reply: %w", err)
	}
	return plan.Decode(doc)
}

func (s *Set) critique(ctx context.Context, query string, p *plan.Plan) (collab.Critique, error) {
	text, err := s.complete(ctx, "critic.tmpl", map[string]any{"Query": query, "Plan": encodePlan(p)})
	if err != nil {
		return collab.Critique{}, err
	}
	var c collab.Critique
	if err := decodeReply(text, &c); err != nil {
		return collab.Critique{}, fmt.Errorf("critic reply: %w", err)
	}
	return c, nil
}

func (s *Set) revise(ctx context.Context, c collab.Critique, p *plan.Plan) (collab.Revision, error) {
	text, err := s.complete(ctx, "revisor.tmpl", map[string]any{
		"Errors":  c.Errors,
		"Message": c.Message,
		"Plan":    encodePlan(p),
	})
	if err != nil {
		return collab.Revision{}, err
	}
	var reply revisionReply
	if err := decodeReply(text, &reply); err != nil {
		return collab.Revision{}, fmt.Errorf("revisor reply: %w", err)
	}
	if !reply.Fixed || len(reply.Plan) == 0 {
		return collab.Revision{Plan: p}, nil
	}
	revised, err := plan.Decode(reply.Plan)
	if err != nil {
		return collab.Revision{}, fmt.Errorf("revisor reply: %w", err)
	}
	return collab.Revision{Plan: revised, FixedManually: true}, nil
}

func (s *Set) resolve(ctx context.Context, req collab.ResolveRequest) (collab.Decision, error) {
	errText := ""
	if req.Err != nil {
		errText = req.Err.Error()
	}
	text, err := s.complete(ctx, "resolver.tmpl", map[string]any{
		"Node":    req.Node,
		"Error":   errText,
		"Attempt": req.Attempt,
		"History": req.History,
		"Plan":    encodePlan(req.Plan),
	})
	if err != nil {
		return collab.Decision{}, err
	}
	var reply decisionReply
	if err := decodeReply(text, &reply); err != nil {
		return collab.Decision{}, fmt.Errorf("resolver reply: %w", err)
	}
	return collab.Decision{Action: reply.Action, FixedNode: reply.FixedNode, Reason: reply.Reason}, nil
}

func (s *Set) summarize(ctx context.Context, req collab.SummaryRequest) (string, error) {
	text, err := s.complete(ctx, "summary.tmpl", req)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (s *Set) classify(ctx context.Context, req collab.MessageRequest) (collab.Intent, error) {
	text, err := s.complete(ctx, "intent.tmpl", req)
	if err != nil {
		return "", err
	}
	var reply intentReply
	if err := decodeReply(text, &reply); err != nil {
		return "", fmt.Errorf("intent reply: %w", err)
	}
	intent := collab.Intent(strings.ToLower(strings.TrimSpace(string(reply.Intent))))
	if !intent.Valid() {
		return "", fmt.Errorf("intent reply: unknown intent %q", reply.Intent)
	}
	return intent, nil
}

// rewrite returns the message unchanged when the reply carries no query.
func (s *Set) rewrite(ctx context.Context, req collab.MessageRequest) (string, error) {
	text, err := s.complete(ctx, "rewrite.tmpl", req)
	if err != nil {
		return "", err
	}
	var reply rewriteReply
	if err := decodeReply(text, &reply); err != nil {
		return "", fmt.Errorf("rewrite reply: %w", err)
	}
	if q := strings.TrimSpace(reply.CleanQuery); q != "" {
		return q, nil
	}
	return req.Message, nil
}

func (s *Set) respond(ctx context.Context, req collab.MessageRequest) (string, error) {
	text, err := s.complete(ctx, "chat.tmpl", req)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (s *Set) complete(ctx context.Context, name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := prompts.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	resp, err := s.client.Complete(ctx, model.Request{
		System:    systemPrompt,
		Prompt:    buf.String(),
		MaxTokens: s.maxTokens,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func decodeReply(text string, v any) error {
	doc, err := extractJSON(text)
	if err != nil {
		return err
	}
	return json.Unmarshal(doc, v)
}

// extractJSON returns the outermost JSON object of text, ignoring code fences
// and prose around it.
func extractJSON(text string) ([]byte, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return nil, errors.New("no JSON object in reply")
	}
	return []byte(text[start : end+1]), nil
}

func encodePlan(p *plan.Plan) string {
	if p == nil {
		return "{}"
	}
	b, err := plan.Encode(p)
	if err != nil {
		return "{}"
	}
	return string(b)
}
