package generator

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"ChatConsolidator/internal/config"
	"ChatConsolidator/internal/session"
)

const (
	Title = "# Chat History - Consolidated"

	createdLayout = "January 02, 2006, 15:04 MST"
	sessionLayout = "January 02, 2006, 15:04:05 UTC"
)

// SystemInfo describes the host the document was generated on.
type SystemInfo struct {
	OS    string
	Shell string
}

// DetectSystemInfo reads the operating system and login shell of the current process.
func DetectSystemInfo() SystemInfo {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "unknown"
	}
	return SystemInfo{OS: runtime.GOOS, Shell: shell}
}

// contextRule labels a session whose name contains Match.
type contextRule struct {
	Match string
	Label string
}

// contextRules are evaluated in order; the first match wins.
var contextRules = []contextRule{
	{"orchestrator", "MCP orchestrator analysis and architecture discussion"},
	{"RAG", "RAG (Retrieval Augmented Generation) task implementation"},
	{"agentic", "Agentic behavior enhancement and tool integration"},
	{"memory", "Memory management and storage implementation"},
	{"delegate", "Delegation and orchestration analysis"},
	{"enhance", "Server orchestration enhancements"},
	{"clarification", "Action requirements clarification"},
	{"history", "Knowledge management and chat history consolidation"},
}

const defaultContext = "General project development and discussion"

// SessionContext returns the context label for a session name.
func SessionContext(name string) string {
	for _, r := range contextRules {
		if strings.Contains(name, r.Match) {
			return r.Label
		}
	}
	return defaultContext
}

// Input is the data a document is rendered from
type Input struct {
	Sessions []session.Bundle
	// Generations and Prompts are accepted but not yet rendered.
	Generations []session.Generation
	Prompts     []session.Prompt
}

// section renders one part of the document
type section func(g *Generator, in *Input) string

// sections is the fixed document order
var sections = []section{
	(*Generator).header,
	(*Generator).metadata,
	(*Generator).projectContext,
	(*Generator).historicalSessions,
	(*Generator).currentSession,
	(*Generator).topicsAndThemes,
	(*Generator).projectStructure,
	(*Generator).keyFeatures,
	(*Generator).gitStatus,
	(*Generator).dataSources,
	(*Generator).notes,
	(*Generator).footer,
}

// Generator renders the consolidated Markdown document
type Generator struct {
	config *config.Config
	now    func() time.Time
	system SystemInfo
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock overrides the wall clock used for the generation timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithSystemInfo sets the host details listed in the metadata section.
func WithSystemInfo(info SystemInfo) Option {
	return func(g *Generator) { g.system = info }
}

// New creates a Generator for cfg
func New(cfg *config.Config, opts ...Option) *Generator {
	g := &Generator{
		config: cfg,
		now:    time.Now,
		system: SystemInfo{OS: runtime.GOOS, Shell: "unknown"},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate renders the full document.
func (g *Generator) Generate(in Input) (string, error) {
	if g.config == nil {
		return "", fmt.Errorf("generator has no configuration")
	}

	parts := make([]string, 0, len(sections))
	for _, s := range sections {
		parts = append(parts, s(g, &in))
	}
	return strings.Join(parts, "\n\n"), nil
}

func (g *Generator) header(*Input) string {
	return Title + "\n"
}

func (g *Generator) metadata(in *Input) string {
	var sb strings.Builder
	sb.WriteString("## Metadata\n")
	sb.WriteString(fmt.Sprintf("- **Created**: %s\n", g.now().UTC().Format(createdLayout)))
	sb.WriteString(fmt.Sprintf("- **Project**: %s\n", g.config.ProjectName))
	sb.WriteString(fmt.Sprintf("- **Branch**: %s\n", g.config.ProjectBranch))
	sb.WriteString(fmt.Sprintf("- **Workspace**: %s\n", g.config.SanitizePath(g.config.ProjectPath)))
	sb.WriteString("- **File Type**: Consolidated Chat History\n")
	sb.WriteString("- **Purpose**: Knowledge base storage for chat interactions\n")
	sb.WriteString(fmt.Sprintf("- **Total Chat Sessions**: %d historical sessions + current session\n",
		session.CountSessions(in.Sessions)))

	if g.config.IncludeSystemInfo {
		sb.WriteString(fmt.Sprintf("- **OS**: %s\n", g.system.OS))
		sb.WriteString(fmt.Sprintf("- **Shell**: %s\n", g.system.Shell))
	}
	return sb.String()
}

func (g *Generator) projectContext(*Input) string {
	return `## Project Context
This is a TypeScript-based MCP (Model Context Protocol) server project that provides local LLM proxy functionality with orchestration capabilities. The project includes:

- MCP server implementation
- Orchestrator service for tool management
- RAG (Retrieval Augmented Generation) service
- Agentic tools and services
- Sonar integration
- Web search patterns
- Validation services
`
}

func (g *Generator) historicalSessions(in *Input) string {
	var sb strings.Builder
	sb.WriteString("## Historical Chat Sessions\n\n")

	now := g.now()
	n := 0
	for _, bundle := range in.Sessions {
		for _, s := range bundle.AllComposers {
			n++
			created := session.MillisToTime(s.CreatedAt, now)
			sb.WriteString(fmt.Sprintf("### Session %d: %s\n", n, s.Name))
			sb.WriteString(fmt.Sprintf("**Date**: %s\n", created.Format(sessionLayout)))
			sb.WriteString(fmt.Sprintf("**Session ID**: %s\n", s.ComposerID))
			sb.WriteString(fmt.Sprintf("**Context**: %s\n\n", SessionContext(s.Name)))
		}
	}
	return sb.String()
}

func (g *Generator) currentSession(*Input) string {
	return fmt.Sprintf(`## Current Session

### Current Knowledge Management Session
**Date**: %s
**Context**: Knowledge management and chat history consolidation request

**Actions Taken**:
1. **Configuration Loading**: Loaded settings from configuration file
2. **Database Connection**: Connected to SQLite database
3. **Data Extraction**: Extracted chat sessions, generations, and prompts
4. **Markdown Generation**: Generated consolidated markdown with metadata
5. **File Output**: Created consolidated chat history file

**Technical Details**:
- Project structure includes TypeScript source files and compiled JavaScript
- RAG storage system with document indexing
- Multiple test files for different components
- Comprehensive MCP server implementation with orchestration capabilities
`, g.now().UTC().Format(createdLayout))
}

func (g *Generator) topicsAndThemes(*Input) string {
	return `## Key Chat Topics and Themes

### 1. MCP Server Development
- TypeScript migration from JavaScript
- MCP server implementation and configuration
- Tool development and integration
- Hot reload and development workflow

### 2. Orchestration and Delegation
- Orchestrator service architecture
- Tool management and delegation system
- Validation and error handling
- Context management

### 3. RAG (Retrieval Augmented Generation)
- Document indexing and storage
- Query processing and context retrieval
- Memory management and persistence
- Integration with local LLM

### 4. Agentic Behavior
- LlamaIndex integration
- Enhanced AI capabilities
- Tool orchestration
- Context-aware responses

### 5. Development Workflow
- Git branching and merging
- Release management
- Documentation updates
- Testing and validation

### 6. Knowledge Management
- Chat history consolidation
- Metadata organization
- Persistent storage
- Git integration
`
}

func (g *Generator) projectStructure(*Input) string {
	return fmt.Sprintf("## Project Structure Reference\n```\n%s/\n%s```\n",
		g.config.SanitizePath(g.config.ProjectPath), projectTree)
}

const projectTree = `├── src/                    # TypeScript source files
│   ├── agentic/           # Agentic service implementation
│   ├── config/            # LLM configuration
│   ├── mcp/               # MCP server implementation
│   ├── orchestrator/      # Orchestration services
│   ├── rag/               # RAG service
│   ├── services/          # External services (Sonar)
│   └── tools/             # Agentic tools
├── dist/                  # Compiled JavaScript output
├── rag-storage/           # RAG document storage
├── .knowledge/            # Knowledge base (git-ignored)
├── test-*.js              # Various test files
└── Configuration files    # package.json, tsconfig.json, etc.
`

func (g *Generator) keyFeatures(*Input) string {
	return `## Key Features Implemented
1. **MCP Server**: Model Context Protocol server implementation
2. **Orchestration**: Tool management and delegation system
3. **RAG Service**: Retrieval Augmented Generation capabilities
4. **Agentic Tools**: AI-powered tool implementations
5. **Sonar Integration**: Code analysis and search capabilities
6. **Validation Service**: Response validation and accuracy checking
7. **Web Search Patterns**: Structured web search functionality
8. **Knowledge Management**: Chat history consolidation and storage
`
}

func (g *Generator) gitStatus(*Input) string {
	return fmt.Sprintf(`## Git Status
- **Branch**: %s
- **Status**: Modified files include rag-storage/metadata.json
- **New Addition**: .knowledge/ folder added to .gitignore
`, g.config.ProjectBranch)
}

func (g *Generator) dataSources(*Input) string {
	return fmt.Sprintf(`## Chat Data Sources
- **Workspace Storage**: %s
- **Database**: SQLite %s containing chat sessions and AI service data
- **Composer Data**: JSON data containing session metadata and conversation history
- **AI Service Data**: Prompts and generations stored in workspace-specific database
`, g.config.SanitizePath(g.config.DatabasePath()), g.config.DBFilename)
}

func (g *Generator) notes(*Input) string {
	return `## Notes
- This file serves as a consolidated knowledge base for all chat interactions
- Metadata includes timestamps, project context, and technical details
- Future chat sessions should be appended to this file
- The .knowledge folder is git-ignored to prevent sensitive chat data from being committed
- Project focuses on MCP server development with advanced orchestration capabilities
- Historical data extracted from workspace-specific SQLite database
- All timestamps converted to ISO format for consistency
`
}

func (g *Generator) footer(*Input) string {
	return fmt.Sprintf("---\n*This file was automatically generated by %s and includes all historical chat sessions from the %s project workspace.*\n",
		g.config.AppName, g.config.ProjectName)
}
