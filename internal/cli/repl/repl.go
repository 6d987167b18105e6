package repl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloudeval/internal/cli/command"
	httpclient "cloudeval/internal/cli/http"
	"cloudeval/internal/cli/state"
	"cloudeval/internal/common/mq"
	"cloudeval/internal/evaluation/model"
	"cloudeval/internal/evaluation/service"
	pkgerrors "cloudeval/pkg/errors"

	"github.com/chzyer/readline"
	"github.com/google/shlex"
	"github.com/google/uuid"
)

const defaultPrompt = "evalctl> "

// LineReader reads operator input. *readline.Instance satisfies it.
type LineReader interface {
	Readline() (string, error)
	SetPrompt(prompt string)
}

// StatusCache reads job snapshots from the job status cache.
type StatusCache interface {
	Get(ctx context.Context, jobID string) (*model.EvaluationJob, error)
}

// StatusAPI reads job state from the evaluation service.
type StatusAPI interface {
	GetJob(ctx context.Context, jobID string) (httpclient.ResponseInfo, error)
	GetQueue(ctx context.Context) (httpclient.ResponseInfo, error)
	SetBaseURL(baseURL string)
	SetTimeout(timeout time.Duration)
}

// Options wires a Session.
type Options struct {
	Publisher    mq.Producer
	CommandTopic string
	Cache        StatusCache
	API          StatusAPI
	Commands     map[string]command.Command
	Session      *state.Session
	StatePath    string
	PrettyJSON   bool
	Out          io.Writer
}

// Session holds REPL state.
type Session struct {
	publisher    mq.Producer
	commandTopic string
	cache        StatusCache
	api          StatusAPI
	commands     map[string]command.Command
	session      *state.Session
	statePath    string
	prettyJSON   bool
	out          io.Writer
}

func New(opts Options) *Session {
	st := opts.Session
	if st == nil {
		st = &state.Session{}
	}
	return &Session{
		publisher:    opts.Publisher,
		commandTopic: opts.CommandTopic,
		cache:        opts.Cache,
		api:          opts.API,
		commands:     opts.Commands,
		session:      st,
		statePath:    opts.StatePath,
		prettyJSON:   opts.PrettyJSON,
		out:          opts.Out,
	}
}

// Completer returns tab completion for the registered commands.
func Completer(commands map[string]command.Command) *readline.PrefixCompleter {
	services := map[string][]readline.PrefixCompleterInterface{}
	var order []string
	for _, key := range command.SortedKeys(commands) {
		cmd := commands[key]
		if _, ok := services[cmd.Service]; !ok {
			order = append(order, cmd.Service)
		}
		var fields []readline.PrefixCompleterInterface
		for _, f := range cmd.Fields {
			fields = append(fields, readline.PcItem(f.Name+"="))
		}
		services[cmd.Service] = append(services[cmd.Service], readline.PcItem(cmd.Action, fields...))
	}
	items := []readline.PrefixCompleterInterface{
		readline.PcItem("help"),
		readline.PcItem("exit"),
		readline.PcItem("set", readline.PcItem("base"), readline.PcItem("timeout"), readline.PcItem("user")),
		readline.PcItem("show", readline.PcItem("user"), readline.PcItem("config")),
	}
	for _, svc := range order {
		items = append(items, readline.PcItem(svc, services[svc]...))
	}
	return readline.NewPrefixCompleter(items...)
}

// Run reads lines until exit, EOF or ctx is done.
func (s *Session) Run(ctx context.Context, reader LineReader) {
	for ctx.Err() == nil {
		reader.SetPrompt(defaultPrompt)
		line, err := reader.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.printLine("read input failed: %v", err)
			}
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			s.printLine("bye")
			return
		}
		if s.handleSystemCommand(line) {
			continue
		}
		if err := s.Execute(ctx, reader, line); err != nil {
			s.printLine("error: %v", err)
		}
	}
}

func (s *Session) handleSystemCommand(line string) bool {
	if line == "help" {
		s.printHelp()
		return true
	}
	if line == "reset" {
		s.resetSession()
		return true
	}
	if strings.HasPrefix(line, "set ") {
		s.handleSet(strings.TrimSpace(strings.TrimPrefix(line, "set ")))
		return true
	}
	if strings.HasPrefix(line, "show ") {
		s.handleShow(strings.TrimSpace(strings.TrimPrefix(line, "show ")))
		return true
	}
	return false
}

func (s *Session) handleSet(args string) {
	parts := strings.Fields(args)
	if len(parts) < 2 {
		s.printLine("usage: set base <url> | set timeout <duration> | set user <id>")
		return
	}
	switch parts[0] {
	case "base":
		if s.api == nil {
			s.printLine("status api is not configured")
			return
		}
		s.api.SetBaseURL(parts[1])
		s.printLine("base set to %s", parts[1])
	case "timeout":
		dur, err := time.ParseDuration(parts[1])
		if err != nil {
			s.printLine("invalid duration: %v", err)
			return
		}
		if s.api != nil {
			s.api.SetTimeout(dur)
		}
		s.printLine("timeout set to %s", dur)
	case "user":
		s.session.User = parts[1]
		s.saveSession()
		s.printLine("user set to %s", parts[1])
	default:
		s.printLine("unknown set command")
	}
}

func (s *Session) handleShow(args string) {
	switch args {
	case "user":
		if s.session.User == "" {
			s.printLine("user: <empty>")
			return
		}
		s.printLine("user: %s", s.session.User)
	case "config":
		s.printLine("commandTopic: %s", s.commandTopic)
		s.printLine("statePath: %s", s.statePath)
		s.printLine("lastJobID: %s", s.session.LastJobID)
	case "history":
		if len(s.session.History) == 0 {
			s.printLine("history: <empty>")
			return
		}
		for _, sub := range s.session.History {
			s.printLine("%s %s %s (trace %s)", sub.At.Format(time.RFC3339), sub.Action, sub.Target, sub.TraceID)
		}
	default:
		s.printLine("usage: show user|config|history")
	}
}

// Execute runs one command line. Required fields missing from the line are
// prompted for on reader when it is not nil.
func (s *Session) Execute(ctx context.Context, reader LineReader, line string) error {
	tokens, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("parse command failed: %w", err)
	}
	if len(tokens) < 2 {
		return fmt.Errorf("invalid command, use: <service> <action> key=value ...")
	}
	cmd, ok := s.commands[tokens[0]+" "+tokens[1]]
	if !ok {
		return fmt.Errorf("unknown command: %s %s", tokens[0], tokens[1])
	}
	params, err := command.ParseParams(tokens[2:])
	if err != nil {
		return err
	}
	params.Canonicalize(cmd.Fields)
	if reader != nil {
		if err := s.promptMissing(reader, cmd, params); err != nil {
			return err
		}
	}
	if params.Get("job_id") != "" {
		jobID, err := s.session.ResolveJobID(params.Get("job_id"))
		if err != nil {
			return err
		}
		params.Set("job_id", jobID)
	}

	switch cmd.Kind {
	case command.KindPublish:
		return s.publish(ctx, cmd, params)
	case command.KindStatus:
		return s.status(ctx, params.Get("job_id"))
	case command.KindQueue:
		return s.queue(ctx)
	}
	return fmt.Errorf("unsupported command kind for %s", cmd.Key())
}

func (s *Session) promptMissing(reader LineReader, cmd command.Command, params command.Params) error {
	for _, field := range command.MissingFields(cmd, params) {
		reader.SetPrompt(field.Prompt + ": ")
		value, err := reader.Readline()
		if err != nil {
			return fmt.Errorf("read input failed: %w", err)
		}
		params.Set(field.Name, strings.TrimSpace(value))
	}
	return nil
}

func (s *Session) publish(ctx context.Context, cmd command.Command, params command.Params) error {
	if s.publisher == nil {
		return fmt.Errorf("kafka brokers are not configured")
	}
	jobCmd, err := command.BuildJobCommand(cmd, params, s.session.User)
	if err != nil {
		return err
	}
	body, err := json.Marshal(jobCmd)
	if err != nil {
		return fmt.Errorf("encode command failed: %w", err)
	}
	msg := mq.NewMessage(body)
	msg.ID = uuid.NewString()
	msg.SetHeader(mq.HeaderAction, jobCmd.Action)
	msg.SetHeader(mq.HeaderTraceID, msg.ID)
	if err := s.publisher.Publish(ctx, s.commandTopic, msg); err != nil {
		return fmt.Errorf("publish command failed: %w", err)
	}
	s.session.Record(state.Submission{
		TraceID: msg.ID,
		Action:  jobCmd.Action,
		Target:  commandTarget(jobCmd),
		At:      time.Now().UTC(),
	}, jobCmd.JobID)
	s.saveSession()
	s.printLine("published %s (trace %s)", jobCmd.Action, msg.ID)
	return nil
}

func commandTarget(cmd service.Command) string {
	switch {
	case cmd.JobID != "":
		return cmd.JobID
	case cmd.BatchID != "":
		return cmd.BatchID
	default:
		return cmd.StudentAssessmentID
	}
}

func (s *Session) status(ctx context.Context, jobID string) error {
	s.saveSession()
	if s.cache != nil {
		job, err := s.cache.Get(ctx, jobID)
		if err == nil {
			s.renderJob(job)
			return nil
		}
		if pkgerrors.GetCode(err) != pkgerrors.EvaluationJobNotFound || s.api == nil {
			return err
		}
	}
	if s.api == nil {
		return fmt.Errorf("no status source configured")
	}
	resp, err := s.api.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	s.renderResponse(resp)
	return nil
}

func (s *Session) queue(ctx context.Context) error {
	if s.api == nil {
		return fmt.Errorf("status api is not configured")
	}
	resp, err := s.api.GetQueue(ctx)
	if err != nil {
		return err
	}
	s.renderResponse(resp)
	return nil
}

func (s *Session) renderJob(job *model.EvaluationJob) {
	s.printLine("job %s: %s %d%%", job.ID, job.Status, job.Progress)
	if job.ErrorMessage != "" {
		s.printLine("error: %s", job.ErrorMessage)
	}
	s.printJSON(job)
}

func (s *Session) renderResponse(resp httpclient.ResponseInfo) {
	s.printLine("HTTP %d (%s)", resp.StatusCode, resp.Duration)
	if len(resp.Body) == 0 {
		return
	}
	var raw interface{}
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		s.printLine("%s", string(resp.Body))
		return
	}
	s.printJSON(raw)
}

func (s *Session) printJSON(v interface{}) {
	var data []byte
	var err error
	if s.prettyJSON {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		s.printLine("render failed: %v", err)
		return
	}
	s.printLine("%s", string(data))
}

func (s *Session) saveSession() {
	if s.statePath == "" {
		return
	}
	if err := state.Save(s.statePath, *s.session); err != nil {
		s.printLine("save session failed: %v", err)
	}
}

func (s *Session) resetSession() {
	if s.statePath != "" {
		if err := state.Clear(s.statePath); err != nil {
			s.printLine("reset session failed: %v", err)
			return
		}
	}
	*s.session = state.Session{}
	s.printLine("session reset")
}

func (s *Session) printHelp() {
	s.printLine("usage: <service> <action> key=value ...")
	s.printLine("system: help | exit | reset | set base|timeout|user | show user|config|history")
	for _, key := range command.SortedKeys(s.commands) {
		s.printLine("  %s", s.commands[key].Usage)
	}
}

func (s *Session) printLine(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(s.out, format+"\n", args...)
}
