package scheduler

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/ethank2222/TriniTeam/internal/interpreter"
	"github.com/ethank2222/TriniTeam/internal/model"
)

const (
	// recentMessages is how many log entries a prompt context carries
	recentMessages = 5
	// messagePreview truncates each log entry in a prompt context
	messagePreview = 100
	// followUpPreview truncates the worker text quoted in a follow-up task
	followUpPreview = 300
	// summaryPreview truncates task descriptions in the final review summary
	summaryPreview = 100
)

const coordinatorPrompt = `You are {{.Agent.Name}}, a senior technical lead and project manager.

CORE RESPONSIBILITIES:
- Design the system architecture and break the project into tasks
- Review code quality and make sure best practices are followed
- Coordinate the team and keep the project moving
- Make sure every requirement is met and every deliverable exists

TASK ASSIGNMENT FORMAT:
When creating tasks, reply with a JSON block using the exact agent names:
` + "```json" + `
{
    "tasks": [
        {
            "agent": "{{.FirstWorker}}",
            "description": "Detailed task description",
            "priority": 5,
            "dependencies": [],
            "files_expected": ["app.py"]
        }
    ]
}
` + "```" + `

AVAILABLE AGENTS:
{{- range .Workers}}
- {{.Name}} ({{.Role}}){{if .Skills}} - {{join .Skills ", "}}{{end}}
{{- end}}

REVIEW PROCESS:
- For review tasks, examine the completed work and the files created
- Check the work against the requirements and quality standards

After any task assignments, end your response with "` + interpreter.TaskCompletedMarker + `".
{{if .Agent.Skills}}
Your specialty: {{join .Agent.Skills ", "}}{{end}}`

const workerPrompt = `You are {{.Agent.Name}}, a {{.Agent.Role}}.

DEVELOPMENT STANDARDS:
- Write clean, maintainable, production-ready code
- Handle errors and validate input
- Follow security and performance best practices
- Document the code you write

OUTPUT FORMAT:
- Always provide complete, working files with their imports
- Put every file in its own fenced block using this exact header:
` + "```filename: path/to/file.ext" + `

Example:
` + "```filename: app.py" + `
from flask import Flask, jsonify

app = Flask(__name__)

@app.route('/api/health')
def health():
    return jsonify({'status': 'healthy'})
` + "```" + `
{{if .Agent.Skills}}
Your specialty: {{join .Agent.Skills ", "}}{{end}}
Always end your response with "` + interpreter.TaskCompletedMarker + `" when finished.`

const contextPrompt = `CURRENT TASK: {{.Task.Description}}

PROJECT CONTEXT:
- Project: {{.Project}}
- Task Priority: {{.Task.Priority}}

SYSTEM STATUS:
- Total Tasks: {{.Counts.Total}}
- Completed Tasks: {{.Counts.Completed}}
- Your Role: {{.Agent.Role}}
{{- if .Agent.Skills}}
- Your Specialty: {{join .Agent.Skills ", "}}
{{- end}}
{{- if .Team}}

AVAILABLE TEAM MEMBERS:
{{- range .Team}}
- {{.Name}} ({{.Role}})
{{- end}}
Use the exact agent names when creating tasks.
{{- end}}
{{- if .Files}}

CURRENT PROJECT FILES:
{{- range .Files}}
- {{.}}
{{- end}}
{{- end}}
{{- if .Messages}}

RECENT TEAM COMMUNICATIONS:
{{- range .Messages}}
- {{.}}
{{- end}}
{{- end}}
{{- if .Previous}}

YOUR PREVIOUS RESPONSE WAS NOT MARKED COMPLETE:
{{.Previous}}
{{- end}}
`

var promptFuncs = template.FuncMap{"join": strings.Join}

var (
	systemTemplates = map[model.AgentKind]*template.Template{
		model.AgentKindCoordinator: template.Must(template.New("coordinator").Funcs(promptFuncs).Parse(coordinatorPrompt)),
		model.AgentKindWorker:      template.Must(template.New("worker").Funcs(promptFuncs).Parse(workerPrompt)),
	}
	contextTemplate = template.Must(template.New("context").Funcs(promptFuncs).Parse(contextPrompt))
)

type systemPromptData struct {
	Agent       *model.Agent
	Workers     []*model.Agent
	FirstWorker string
}

// SystemPrompt renders the role prompt for an agent. Unknown kinds get the
// coordinator prompt.
func SystemPrompt(agent *model.Agent, workers []*model.Agent) (string, error) {
	tmpl, ok := systemTemplates[agent.Kind]
	if !ok {
		tmpl = systemTemplates[model.AgentKindCoordinator]
	}

	data := systemPromptData{Agent: agent, Workers: workers, FirstWorker: "Developer1"}
	if len(workers) > 0 {
		data.FirstWorker = workers[0].Name
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s prompt: %w", agent.Kind, err)
	}
	return buf.String(), nil
}

// TaskContext is everything the user prompt of one dispatch is built from
type TaskContext struct {
	Task     *model.Task
	Agent    *model.Agent
	Project  string
	Counts   model.TaskCounts
	Team     []*model.Agent
	Files    []string
	Messages []string
	Previous string
}

// UserPrompt renders the per-dispatch context
func UserPrompt(tc TaskContext) (string, error) {
	var buf bytes.Buffer
	if err := contextTemplate.Execute(&buf, tc); err != nil {
		return "", fmt.Errorf("failed to render task context: %w", err)
	}
	return buf.String(), nil
}

func planningDescription(project string, workers []*model.Agent) string {
	var b strings.Builder
	b.WriteString("PROJECT PLANNING AND ARCHITECTURE\n\n")
	fmt.Fprintf(&b, "Project Description: %s\n\n", project)
	b.WriteString("Your task is to:\n")
	b.WriteString("1. Analyze the project requirements\n")
	b.WriteString("2. Design the system architecture\n")
	b.WriteString("3. Create a detailed task breakdown for each team member\n")
	b.WriteString("4. Define the file structure and deliverables\n\n")
	b.WriteString("The team consists of:\n")
	for _, w := range workers {
		fmt.Fprintf(&b, "- %s (%s)\n", w.Name, w.Role)
	}
	b.WriteString("\nProvide the task assignments in JSON format, then end your response with \"")
	b.WriteString(interpreter.TaskCompletedMarker)
	b.WriteString("\".")
	return b.String()
}

func reviewDescription(workerName, taskDescription string) string {
	return fmt.Sprintf(`REVIEW TASK COMPLETION

Review the work completed by %s for the following task:

TASK: %s

Check that the task meets the requirements and that the code follows best practices.
End your review with "%s" if the work is satisfactory.`, workerName, taskDescription, interpreter.TaskCompletedMarker)
}

func followUpDescription(workerName, response string) string {
	return fmt.Sprintf(`FOLLOW-UP TASK CREATION

Worker %s completed their task and suggested additional work:

WORKER RESPONSE: %s

Review this response and create any additional tasks that are needed.`, workerName, truncate(response, followUpPreview))
}

// completedWork is one line of the final review summary
type completedWork struct {
	AgentName   string
	Description string
}

func finalReviewDescription(project string, work []completedWork, files []string) string {
	var b strings.Builder
	b.WriteString("FINAL PROJECT REVIEW AND COMPLETION\n\n")
	b.WriteString("All team tasks have been completed. Review every completed task and file, ")
	b.WriteString("check the project against its requirements and summarize what was accomplished.\n\n")
	fmt.Fprintf(&b, "PROJECT REQUIREMENTS: %s\n\n", project)

	b.WriteString("COMPLETED TASKS:\n")
	if len(work) == 0 {
		b.WriteString("No completed tasks found\n")
	}
	for _, w := range work {
		fmt.Fprintf(&b, "- %s: %s\n", w.AgentName, truncate(w.Description, summaryPreview))
	}

	b.WriteString("\nPROJECT FILES:\n")
	if len(files) == 0 {
		b.WriteString("No files created yet\n")
	} else {
		fmt.Fprintf(&b, "Total files: %d\n", len(files))
		for _, f := range files {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}

	fmt.Fprintf(&b, "\nEnd your review with \"%s\" when satisfied.", interpreter.ProjectCompletedMarker)
	return b.String()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
