package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "apex"), nil
}

// envKeyReplacer maps nested keys to env vars: worktree.max -> APEX_WORKTREE_MAX.
var envKeyReplacer = strings.NewReplacer(".", "_")

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage apex configuration.

Running bare 'apex config' is the same as 'apex config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# apex configuration
# See: apex config show (for effective values and sources)

# State/data directory (default: ~/.config/apex)
# state_dir: {{ .StateDir }}

# SQLite database path (default: ~/.config/apex/apex.db)
# db_path: {{ .DBPath }}

git:
  # Binary and per-invocation timeout for git subprocesses
  binary: "{{ .GitBinary }}"
  timeout: {{ .GitTimeout }}
  # Branch that tasks fork from and merge into
  base_branch: "{{ .BaseBranch }}"
  remote: "{{ .Remote }}"

branch:
  # Task branches are named <prefix>/<slug>-<short id>
  prefix: "{{ .BranchPrefix }}"

worktree:
  # Where task worktrees live (default: <repo>.worktrees)
  root: "{{ .WorktreeRoot }}"
  # Maximum live worktrees per repository
  max: {{ .WorktreeMax }}
  # Worktrees of finished tasks older than this are removed by cleanup
  prune_stale_after: {{ .PruneStaleAfter }}

task:
  max_retries: {{ .MaxRetries }}
  max_parallel_subtasks: {{ .MaxParallelSubtasks }}

agent:
  # Claude Code CLI used to run tasks
  command: "{{ .AgentCommand }}"
  model: "{{ .AgentModel }}"
  # Runs that hit this many turns are paused and can be resumed
  max_turns: {{ .AgentMaxTurns }}

planner:
  # Split tasks into subtasks with the Anthropic API before running them
  enabled: {{ .PlannerEnabled }}

anthropic:
  # api_key: sk-ant-...
  model: "{{ .AnthropicModel }}"

log:
  # debug, info, warn, error
  level: "{{ .LogLevel }}"
  # console or json
  format: "{{ .LogFormat }}"

metrics:
  # Serve Prometheus metrics here while 'apex mcp' runs, e.g. ":9090"
  addr: "{{ .MetricsAddr }}"
`

type configTemplateData struct {
	StateDir            string
	DBPath              string
	GitBinary           string
	GitTimeout          string
	BaseBranch          string
	Remote              string
	BranchPrefix        string
	WorktreeRoot        string
	WorktreeMax         int
	PruneStaleAfter     string
	MaxRetries          int
	MaxParallelSubtasks int
	AgentCommand        string
	AgentModel          string
	AgentMaxTurns       int
	PlannerEnabled      bool
	AnthropicModel      string
	LogLevel            string
	LogFormat           string
	MetricsAddr         string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:            viper.GetString("state_dir"),
		DBPath:              viper.GetString("db_path"),
		GitBinary:           viper.GetString("git.binary"),
		GitTimeout:          viper.GetDuration("git.timeout").String(),
		BaseBranch:          viper.GetString("git.base_branch"),
		Remote:              viper.GetString("git.remote"),
		BranchPrefix:        viper.GetString("branch.prefix"),
		WorktreeRoot:        viper.GetString("worktree.root"),
		WorktreeMax:         viper.GetInt("worktree.max"),
		PruneStaleAfter:     viper.GetDuration("worktree.prune_stale_after").String(),
		MaxRetries:          viper.GetInt("task.max_retries"),
		MaxParallelSubtasks: viper.GetInt("task.max_parallel_subtasks"),
		AgentCommand:        viper.GetString("agent.command"),
		AgentModel:          viper.GetString("agent.model"),
		AgentMaxTurns:       viper.GetInt("agent.max_turns"),
		PlannerEnabled:      viper.GetBool("planner.enabled"),
		AnthropicModel:      viper.GetString("anthropic.model"),
		LogLevel:            viper.GetString("log.level"),
		LogFormat:           viper.GetString("log.format"),
		MetricsAddr:         viper.GetString("metrics.addr"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	Secret bool
}

var configKeys = []configKeyInfo{
	{Key: "state_dir"},
	{Key: "db_path"},
	{Key: "git.binary"},
	{Key: "git.timeout"},
	{Key: "git.base_branch"},
	{Key: "git.remote"},
	{Key: "branch.prefix"},
	{Key: "worktree.root"},
	{Key: "worktree.max"},
	{Key: "worktree.prune_stale_after"},
	{Key: "task.max_retries"},
	{Key: "task.max_parallel_subtasks"},
	{Key: "agent.command"},
	{Key: "agent.model"},
	{Key: "agent.max_turns"},
	{Key: "planner.enabled"},
	{Key: "anthropic.api_key", Secret: true},
	{Key: "anthropic.model"},
	{Key: "log.level"},
	{Key: "log.format"},
	{Key: "metrics.addr"},
}

// envVar returns the environment variable that overrides key.
func envVar(key string) string {
	return "APEX_" + strings.ToUpper(envKeyReplacer.Replace(key))
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		if k.Secret && viper.GetString(k.Key) != "" {
			val = "********"
		}
		source := detectSource(k.Key, envVar(k.Key), fileValues)
		fmt.Fprintf(ui.Out, "  %-28s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set: set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'apex config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
