package command

import (
	"fmt"
	"sort"

	"cloudeval/internal/evaluation/service"
)

// Registry returns all CLI commands keyed by "service action".
func Registry() map[string]Command {
	commands := []Command{
		{
			Service:   "eval",
			Action:    "start-assessment",
			Kind:      KindPublish,
			JobAction: service.ActionStartAssessment,
			Usage:     "eval start-assessment student_assessment_id=<id> [user=<id>]",
			Fields: []Field{
				{Name: "student_assessment_id", Aliases: []string{"sa", "id"}, Prompt: "student_assessment_id", Type: FieldString, Required: true},
				{Name: "user", Prompt: "user", Type: FieldString},
			},
		},
		{
			Service:   "eval",
			Action:    "start-batch",
			Kind:      KindPublish,
			JobAction: service.ActionStartBatch,
			Usage:     "eval start-batch batch_id=<id> assessment_id=<id> students=a,b,c [force=true] [user=<id>]",
			Fields: []Field{
				{Name: "batch_id", Aliases: []string{"batch"}, Prompt: "batch_id", Type: FieldString, Required: true},
				{Name: "assessment_id", Aliases: []string{"assessment"}, Prompt: "assessment_id", Type: FieldString},
				{Name: "students", Aliases: []string{"student_assessment_ids"}, Prompt: "students (comma separated)", Type: FieldStringList, Required: true},
				{Name: "force", Aliases: []string{"force_re_evaluate"}, Prompt: "force", Type: FieldBool},
				{Name: "user", Prompt: "user", Type: FieldString},
			},
		},
		{
			Service:   "eval",
			Action:    "cancel",
			Kind:      KindPublish,
			JobAction: service.ActionCancel,
			Usage:     "eval cancel job_id=<id|last> [user=<id>]",
			Fields: []Field{
				{Name: "job_id", Aliases: []string{"job", "id"}, Prompt: "job_id", Type: FieldString, Required: true},
				{Name: "user", Prompt: "user", Type: FieldString},
			},
		},
		{
			Service:   "eval",
			Action:    "retry",
			Kind:      KindPublish,
			JobAction: service.ActionRetry,
			Usage:     "eval retry job_id=<id|last> [user=<id>]",
			Fields: []Field{
				{Name: "job_id", Aliases: []string{"job", "id"}, Prompt: "job_id", Type: FieldString, Required: true},
				{Name: "user", Prompt: "user", Type: FieldString},
			},
		},
		{
			Service: "eval",
			Action:  "status",
			Kind:    KindStatus,
			Usage:   "eval status job_id=<id|last>",
			Fields: []Field{
				{Name: "job_id", Aliases: []string{"job", "id"}, Prompt: "job_id", Type: FieldString, Required: true},
			},
		},
		{
			Service: "eval",
			Action:  "queue",
			Kind:    KindQueue,
			Usage:   "eval queue",
		},
	}

	out := make(map[string]Command, len(commands))
	for _, cmd := range commands {
		out[cmd.Key()] = cmd
	}
	return out
}

// SortedKeys returns the registry keys in a stable order for help output.
func SortedKeys(commands map[string]Command) []string {
	keys := make([]string, 0, len(commands))
	for k := range commands {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MissingFields returns the required fields absent from params.
func MissingFields(cmd Command, params Params) []Field {
	var missing []Field
	for _, field := range cmd.Fields {
		if field.Required && params.Get(field.Name) == "" {
			missing = append(missing, field)
		}
	}
	return missing
}

// BuildJobCommand converts params into the wire command of a KindPublish
// binding. defaultUser is used when no user param is given.
func BuildJobCommand(cmd Command, params Params, defaultUser string) (service.Command, error) {
	if cmd.Kind != KindPublish {
		return service.Command{}, fmt.Errorf("%s does not publish a job command", cmd.Key())
	}
	params.Canonicalize(cmd.Fields)
	if missing := MissingFields(cmd, params); len(missing) > 0 {
		return service.Command{}, fmt.Errorf("missing required field: %s", missing[0].Name)
	}

	out := service.Command{
		Action:      cmd.JobAction,
		RequestedBy: params.Get("user"),
	}
	if out.RequestedBy == "" {
		out.RequestedBy = defaultUser
	}
	switch cmd.JobAction {
	case service.ActionStartAssessment:
		out.StudentAssessmentID = params.Get("student_assessment_id")
	case service.ActionStartBatch:
		force, err := ParseBool(params.Get("force"))
		if err != nil {
			return service.Command{}, err
		}
		students := ParseStringList(params.Get("students"))
		if len(students) == 0 {
			return service.Command{}, fmt.Errorf("students must list at least one student assessment id")
		}
		out.BatchID = params.Get("batch_id")
		out.AssessmentID = params.Get("assessment_id")
		out.StudentAssessmentIDs = students
		out.ForceReEvaluate = force
	case service.ActionCancel, service.ActionRetry:
		out.JobID = params.Get("job_id")
	default:
		return service.Command{}, fmt.Errorf("unsupported job action %q", cmd.JobAction)
	}
	return out, nil
}
