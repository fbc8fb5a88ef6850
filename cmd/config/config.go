package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/buger/goterm"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"

	"github.com/sidkik/dirmirror/cmd/util"
	"github.com/sidkik/dirmirror/pkg/config"
	"github.com/sidkik/dirmirror/pkg/errors"
)

// Mocked for unit testing.
var (
	stdout              io.Writer = os.Stdout
	stdin               io.Reader = os.Stdin
	stat                          = os.Stat
	getWorkingDirectory           = os.Getwd
	expandHome                    = homedir.Expand
)

// New creates a new `config` command.
func New() *cobra.Command {
	var registryPath string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the directories that dirmirror keeps in sync",
	}
	cmd.PersistentFlags().StringVar(&registryPath, "config", config.DefaultRegistryPath,
		"Path to the sync registry")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List the configured sync targets",
			Long: "List the configured sync targets. Targets whose source " +
				"directory exists are shown in green, and the rest in red.",
			Run: func(_ *cobra.Command, _ []string) {
				if err := list(registryPath); err != nil {
					util.HandleFatalError(err)
				}
			},
		},
		newEditCommand(&registryPath, "add", "Add a sync target", false),
		newEditCommand(&registryPath, "edit INDEX", "Change the sync target at INDEX", true),
		&cobra.Command{
			Use:   "remove INDEX",
			Short: "Remove the sync target at INDEX",
			Args:  cobra.ExactArgs(1),
			Run: func(_ *cobra.Command, args []string) {
				if err := remove(registryPath, args[0]); err != nil {
					util.HandleFatalError(err)
				}
			},
		},
	)
	return cmd
}

// targetOpts are the target fields that were set on the command line.
// Fields that weren't set are prompted for.
type targetOpts struct {
	config.TargetConfig
	excludesSet bool
}

func newEditCommand(registryPath *string, use, short string, edit bool) *cobra.Command {
	var cliOpts targetOpts
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Run: func(cmd *cobra.Command, args []string) {
			cliOpts.excludesSet = cmd.Flags().Changed("exclude")

			var err error
			if edit {
				err = editTarget(*registryPath, args[0], cliOpts)
			} else {
				err = addTarget(*registryPath, cliOpts)
			}
			if err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	if edit {
		cmd.Args = cobra.ExactArgs(1)
	} else {
		cmd.Args = cobra.NoArgs
	}

	cmd.Flags().StringVar(&cliOpts.Source, "source", "",
		"The directory to watch. "+
			"Optional: If not set, dirmirror will interactively prompt.")
	cmd.Flags().StringVar(&cliOpts.Destination, "destination", "",
		"The directory to copy changed files into. "+
			"Optional: If not set, dirmirror will interactively prompt.")
	cmd.Flags().StringSliceVar(&cliOpts.ExcludePatterns, "exclude", nil,
		"Glob patterns for paths that shouldn't be copied. "+
			"Optional: If not set, dirmirror will interactively prompt.")
	return cmd
}

func list(registryPath string) error {
	registry, err := config.LoadOrInitRegistry(registryPath)
	if err != nil {
		return errors.WithContext(err, "load sync registry")
	}

	if len(registry.Targets) == 0 {
		fmt.Fprintln(stdout, "No sync targets are configured. "+
			"Run `dirmirror config add` to add one.")
		return nil
	}

	_, invalid := registry.SyncTargets()
	for i, tc := range registry.Targets {
		color := goterm.GREEN
		if fi, err := stat(tc.Source); err != nil || !fi.IsDir() {
			color = goterm.RED
		}

		line := fmt.Sprintf("%d. %s -> %s", i, tc.Source, tc.Destination)
		fmt.Fprintln(stdout, goterm.Color(line, color))
		if len(tc.ExcludePatterns) != 0 {
			fmt.Fprintf(stdout, "\texclude: %s\n", strings.Join(tc.ExcludePatterns, ", "))
		}
		if err, ok := invalid[i]; ok {
			fmt.Fprintf(stdout, "\tinvalid: %s\n", err)
		}
	}
	return nil
}

func addTarget(registryPath string, cliOpts targetOpts) error {
	registry, err := config.LoadOrInitRegistry(registryPath)
	if err != nil {
		return errors.WithContext(err, "load sync registry")
	}

	defaults := config.TargetConfig{}
	if wd, err := getWorkingDirectory(); err == nil {
		defaults.Source = wd
	}

	tc, err := generateTarget(cliOpts, defaults, config.TargetConfig{})
	if err != nil {
		return errors.WithContext(err, "generate target")
	}

	if err := registry.Add(tc); err != nil {
		return errors.NewFriendlyError("Invalid sync target:\n%s", err)
	}
	return writeRegistry(registryPath, registry)
}

func editTarget(registryPath, indexStr string, cliOpts targetOpts) error {
	registry, err := config.LoadOrInitRegistry(registryPath)
	if err != nil {
		return errors.WithContext(err, "load sync registry")
	}

	i, err := parseIndex(indexStr, registry)
	if err != nil {
		return err
	}

	curr := registry.Targets[i]
	tc, err := generateTarget(cliOpts, curr, curr)
	if err != nil {
		return errors.WithContext(err, "generate target")
	}

	if err := registry.Replace(i, tc); err != nil {
		return errors.NewFriendlyError("Invalid sync target:\n%s", err)
	}
	return writeRegistry(registryPath, registry)
}

func remove(registryPath, indexStr string) error {
	registry, err := config.LoadOrInitRegistry(registryPath)
	if err != nil {
		return errors.WithContext(err, "load sync registry")
	}

	i, err := parseIndex(indexStr, registry)
	if err != nil {
		return err
	}

	removed := registry.Targets[i]
	if err := registry.Remove(i); err != nil {
		return err
	}

	if err := writeRegistry(registryPath, registry); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Removed %s -> %s\n", removed.Source, removed.Destination)
	return nil
}

func parseIndex(indexStr string, registry config.Registry) (int, error) {
	i, err := strconv.Atoi(indexStr)
	if err != nil || i < 0 || i >= len(registry.Targets) {
		return 0, errors.NewFriendlyError("%q isn't a valid target index. "+
			"Run `dirmirror config list` to see the configured targets.", indexStr)
	}
	return i, nil
}

func writeRegistry(registryPath string, registry config.Registry) error {
	if err := config.WriteRegistry(registryPath, registry); err != nil {
		return errors.WithContext(err, "write sync registry")
	}
	fmt.Fprintf(stdout, "Wrote sync registry to %s\n", registryPath)
	return nil
}

type prompt struct {
	helpString, prompt, defaultAnswer, currAnswer string
	field                                         *string
	validationFn                                  func(string) (string, bool)
}

// generateTarget interacts with the user to decide the target's fields.
// Fields set in `cliOpts` aren't prompted for.
func generateTarget(cliOpts targetOpts, defaults, curr config.TargetConfig) (
	config.TargetConfig, error) {

	tc := cliOpts.TargetConfig
	var prompts []prompt
	if cliOpts.Source == "" {
		prompts = append(prompts, prompt{
			helpString: "Enter the directory to watch.\n" +
				"Files created or modified within it are copied to the destination.",
			prompt:        "Source directory",
			defaultAnswer: defaults.Source,
			currAnswer:    curr.Source,
			field:         &tc.Source,
			validationFn:  pathValidationFn,
		})
	}

	if cliOpts.Destination == "" {
		prompts = append(prompts, prompt{
			helpString: "Enter the directory to copy changed files into.\n" +
				"It must not be inside the source directory.",
			prompt:        "Destination directory",
			defaultAnswer: defaults.Destination,
			currAnswer:    curr.Destination,
			field:         &tc.Destination,
			validationFn:  pathValidationFn,
		})
	}

	var excludes string
	if !cliOpts.excludesSet {
		currExcludes := strings.Join(curr.ExcludePatterns, ",")
		prompts = append(prompts, prompt{
			helpString: "Enter glob patterns for paths that shouldn't be copied, " +
				"separated by commas.\n" +
				"Leave it empty to copy everything.",
			prompt:        "Exclude patterns",
			defaultAnswer: strings.Join(defaults.ExcludePatterns, ","),
			currAnswer:    currExcludes,
			field:         &excludes,
		})
	}

	reader := bufio.NewReader(stdin)
	for _, prompt := range prompts {
		var resp string
		var err error
		for {
			resp, err = promptUser(reader, prompt.helpString, prompt.prompt,
				prompt.defaultAnswer, prompt.currAnswer)
			if err != nil {
				return config.TargetConfig{}, errors.WithContext(err, "read response")
			}

			if prompt.validationFn == nil {
				break
			}

			validationErr, ok := prompt.validationFn(resp)
			if ok {
				break
			}

			fmt.Fprintln(stdout, validationErr)
		}

		*prompt.field = resp
	}

	if !cliOpts.excludesSet {
		tc.ExcludePatterns = splitPatterns(excludes)
	}

	var err error
	if tc.Source, err = absPath(tc.Source); err != nil {
		return config.TargetConfig{}, errors.WithContext(err, "resolve source")
	}
	if tc.Destination, err = absPath(tc.Destination); err != nil {
		return config.TargetConfig{}, errors.WithContext(err, "resolve destination")
	}
	return tc, nil
}

func pathValidationFn(path string) (string, bool) {
	if strings.TrimSpace(path) == "" {
		return "A directory is required.", false
	}
	return "", true
}

func splitPatterns(patterns string) []string {
	var split []string
	for _, pattern := range strings.Split(patterns, ",") {
		if pattern = strings.TrimSpace(pattern); pattern != "" {
			split = append(split, pattern)
		}
	}
	return split
}

// absPath expands the home directory in `path`, and resolves it relative to
// the working directory.
func absPath(path string) (string, error) {
	path, err := expandHome(strings.TrimSpace(path))
	if err != nil {
		return "", errors.WithContext(err, "expand home directory")
	}

	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}

	wd, err := getWorkingDirectory()
	if err != nil {
		return "", errors.WithContext(err, "get current directory")
	}
	return filepath.Join(wd, path), nil
}

func promptUser(stdinReader *bufio.Reader, helpString, prompt, defaultAnswer,
	currAnswer string) (string, error) {

	// Display a new line at the end to separate different fields to make it
	// look clearer.
	defer fmt.Fprintln(stdout)

	options := []string{}
	if defaultAnswer != "" {
		options = append(options, defaultAnswer)
	}
	if currAnswer != "" && currAnswer != defaultAnswer {
		options = append(options, currAnswer)
	}
	options = append(options, "(Enter manually)")

	fmt.Fprintln(stdout, helpString+"\n"+prompt+":")

	if nOptions := len(options); nOptions > 1 {
		// defaultAnswer or currAnswer exists.
		fmt.Fprintln(stdout)
		for i, option := range options {
			if i == 0 {
				option = fmt.Sprintf("%s (recommended)", option)
			}
			fmt.Fprintf(stdout, "\t%d. %s\n", i+1, option)
		}
		fmt.Fprintln(stdout)

		for {
			fmt.Fprintf(stdout, "Please choose one [1-%d]: ", nOptions)
			choiceStr, err := stdinReader.ReadString('\n')
			if err != nil {
				return "", err
			}

			var choice int
			choiceStr = strings.TrimRight(choiceStr, "\n")

			// Default to the first choice if user doesn't enter anything.
			if choiceStr == "" {
				choice = 1
			} else {
				choice, err = strconv.Atoi(choiceStr)
				if err != nil || choice < 1 || choice > nOptions {
					// Try again if the input is invalid.
					continue
				}
			}

			if choice == nOptions {
				// Enter manually.
				break
			}

			return options[choice-1], nil
		}
	}

	fmt.Fprint(stdout, "Please enter manually: ")
	resp, err := stdinReader.ReadString('\n')
	if err != nil {
		return "", err
	}

	return strings.TrimRight(resp, "\n"), nil
}
