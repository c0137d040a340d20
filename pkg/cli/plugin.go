package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/plughost/pkg/plugins"
	"github.com/platinummonkey/plughost/pkg/plugins/host"
)

func newPluginCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugin",
		Short: "Manage installed plugins",
		Args:  cobra.ArbitraryArgs,
		RunE:  groupRunE,
	}
	cmd.AddCommand(
		newInstallCommand(app),
		newUninstallCommand(app),
		newListCommand(app),
		newInfoCommand(app),
		newUpdateCommand(app),
		newValidateCommand(app),
		newCacheStatsCommand(app),
		newClearCacheCommand(app),
	)
	return cmd
}

func newInstallCommand(app *App) *cobra.Command {
	var opts host.InstallOptions
	cmd := &cobra.Command{
		Use:   "install <source>...",
		Short: "Install plugins from a path, URL, git repository or registry name",
		Long: `Install plugins from a local directory or archive, an http(s) URL,
a git repository (https://host/repo.git#ref[:subdir] or git@host:repo) or
a registry name (id[@version]).
Several sources are installed in dependency order.`,
		Args: checkArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Checksum != "" && len(args) > 1 {
				return usagef("--checksum applies to a single source")
			}
			h, closeHost, err := app.openHost(cmd.Context())
			if err != nil {
				return err
			}
			defer closeHost()

			if len(args) == 1 {
				res, err := h.Install(cmd.Context(), args[0], opts)
				if err != nil {
					return err
				}
				app.printInstall(res)
				return nil
			}
			// Plugins installed before a failure stay installed.
			results, err := h.InstallBatch(cmd.Context(), args, opts)
			for _, res := range results {
				app.printInstall(res)
			}
			return err
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&opts.Force, "force", false, "refetch and replace an installed plugin")
	flags.BoolVar(&opts.SkipValidation, "skip-validation", false, "run only the required manifest checks")
	flags.BoolVar(&opts.NoVerify, "no-verify", false, "skip signature verification")
	flags.StringVar(&opts.Checksum, "checksum", "", "expected sha256 of the artifact")
	return cmd
}

func (a *App) printInstall(res *host.InstallResult) {
	inst := res.Instance
	for _, w := range res.Warnings {
		fmt.Fprintf(a.Stderr, "Warning: %s: %s\n", inst.ID(), w)
	}
	switch {
	case !res.Installed:
		fmt.Fprintf(a.Stdout, "%s@%s is already installed\n", inst.ID(), inst.Version())
	case res.Previous != "":
		fmt.Fprintf(a.Stdout, "Replaced %s@%s with %s (%s)\n", inst.ID(), res.Previous, inst.Version(), inst.State())
	default:
		fmt.Fprintf(a.Stdout, "Installed %s@%s (%s)\n", inst.ID(), inst.Version(), inst.State())
	}
	if st := inst.Status(); st.State == plugins.StateFailed && st.Reason != "" {
		fmt.Fprintf(a.Stderr, "Warning: %s: %s\n", inst.ID(), st.Reason)
	}
}

func newUninstallCommand(app *App) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "uninstall <id>",
		Short: "Unload a plugin and remove its files",
		Args:  checkArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, closeHost, err := app.openHost(cmd.Context())
			if err != nil {
				return err
			}
			defer closeHost()

			if err := h.Uninstall(cmd.Context(), args[0], force); err != nil {
				return err
			}
			fmt.Fprintf(app.Stdout, "Uninstalled %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "uninstall even if other plugins require it")
	return cmd
}

func newListCommand(app *App) *cobra.Command {
	var detailed bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installed plugins",
		Args:  checkArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, closeHost, err := app.openHost(cmd.Context())
			if err != nil {
				return err
			}
			defer closeHost()

			infos := h.List()
			if len(infos) == 0 {
				fmt.Fprintln(app.Stdout, "No plugins installed")
				return nil
			}
			app.printList(infos, detailed)
			return nil
		},
	}
	cmd.Flags().BoolVar(&detailed, "detailed", false, "include source, install time and status reason")
	return cmd
}

func (a *App) printList(infos []host.Info, detailed bool) {
	table := tablewriter.NewWriter(a.Stdout)
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	header := []string{"ID", "VERSION", "STATE", "TYPES", "RUNTIME"}
	if detailed {
		header = append(header, "SOURCE", "INSTALLED", "REASON")
	}
	table.SetHeader(header)

	for _, info := range infos {
		m := info.Manifest
		row := []string{m.ID, m.Version, info.Status.State.String(), joinTypes(m.Types), string(m.RuntimeKind())}
		if detailed {
			row = append(row, info.Source, info.InstalledAt.Format(time.RFC3339), info.Status.Reason)
		}
		table.Append(row)
	}
	table.Render()
}

func joinTypes(types []plugins.PluginType) string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return strings.Join(names, ",")
}

// infoView is the YAML rendering of host.Info.
type infoView struct {
	ID          string                         `yaml:"id"`
	Version     string                         `yaml:"version"`
	Name        string                         `yaml:"name,omitempty"`
	Description string                         `yaml:"description,omitempty"`
	Author      string                         `yaml:"author,omitempty"`
	State       string                         `yaml:"state"`
	Reason      string                         `yaml:"reason,omitempty"`
	Since       string                         `yaml:"since"`
	Types       []plugins.PluginType           `yaml:"types"`
	Runtime     plugins.RuntimeKind            `yaml:"runtime"`
	Source      string                         `yaml:"source"`
	InstallDir  string                         `yaml:"install_dir"`
	Checksum    string                         `yaml:"checksum,omitempty"`
	InstalledAt string                         `yaml:"installed_at"`
	CircuitOpen bool                           `yaml:"circuit_open,omitempty"`
	Remote      *plugins.RemoteConfig          `yaml:"remote,omitempty"`
	Capability  plugins.Capabilities           `yaml:"capabilities"`
	Depends     []plugins.Dependency           `yaml:"dependencies,omitempty"`
	Dependents  []string                       `yaml:"dependents,omitempty"`
	Config      map[string]plugins.ConfigField `yaml:"config_schema,omitempty"`
}

func viewOf(info *host.Info) infoView {
	m := info.Manifest
	v := infoView{
		ID:          m.ID,
		Version:     m.Version,
		Name:        m.Name,
		Description: m.Description,
		State:       info.Status.State.String(),
		Reason:      info.Status.Reason,
		Since:       info.Status.Since.Format(time.RFC3339),
		Types:       m.Types,
		Runtime:     m.RuntimeKind(),
		Source:      info.Source,
		InstallDir:  info.InstallDir,
		Checksum:    info.Checksum,
		InstalledAt: info.InstalledAt.Format(time.RFC3339),
		CircuitOpen: info.CircuitOpen,
		Capability:  m.Capabilities,
		Depends:     m.Dependencies,
		Dependents:  info.Dependents,
		Config:      m.ConfigSchema,
	}
	if m.Author.Name != "" {
		v.Author = m.Author.Name
		if m.Author.Email != "" {
			v.Author += " <" + m.Author.Email + ">"
		}
	}
	if m.Remote != nil {
		remote := *m.Remote
		remote.Auth = nil
		v.Remote = &remote
	}
	return v
}

func newInfoCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "info <id>",
		Short: "Show an installed plugin",
		Args:  checkArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, closeHost, err := app.openHost(cmd.Context())
			if err != nil {
				return err
			}
			defer closeHost()

			info, err := h.Info(args[0])
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(viewOf(info))
			if err != nil {
				return fmt.Errorf("failed to render plugin info: %w", err)
			}
			_, err = app.Stdout.Write(out)
			return err
		},
	}
}

func newUpdateCommand(app *App) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "update <id> | --all",
		Short: "Reinstall plugins from their recorded sources",
		Args: checkArgs(func(cmd *cobra.Command, args []string) error {
			switch {
			case all && len(args) > 0:
				return fmt.Errorf("--all takes no plugin id")
			case !all && len(args) != 1:
				return fmt.Errorf("expected one plugin id or --all")
			}
			return nil
		}),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, closeHost, err := app.openHost(cmd.Context())
			if err != nil {
				return err
			}
			defer closeHost()

			if !all {
				res, err := h.Update(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				app.printUpdate(args[0], res)
				return nil
			}

			results, err := h.UpdateAll(cmd.Context())
			ids := make([]string, 0, len(results))
			for id := range results {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				app.printUpdate(id, results[id])
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "update every installed plugin")
	return cmd
}

func (a *App) printUpdate(id string, res *host.InstallResult) {
	for _, w := range res.Warnings {
		fmt.Fprintf(a.Stderr, "Warning: %s: %s\n", id, w)
	}
	version := res.Instance.Version()
	switch {
	case res.Previous != "" && res.Previous != version:
		fmt.Fprintf(a.Stdout, "%s: %s -> %s\n", id, res.Previous, version)
	default:
		fmt.Fprintf(a.Stdout, "%s: %s reinstalled\n", id, version)
	}
}

func newValidateCommand(app *App) *cobra.Command {
	var opts host.InstallOptions
	cmd := &cobra.Command{
		Use:   "validate <source>",
		Short: "Resolve, verify and trial-bind a plugin without installing it",
		Args:  checkArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, closeHost, err := app.openHost(cmd.Context())
			if err != nil {
				return err
			}
			defer closeHost()

			report, err := h.Validate(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			m := report.Manifest
			for _, w := range report.Warnings {
				fmt.Fprintf(app.Stderr, "Warning: %s: %s\n", m.ID, w)
			}
			fmt.Fprintf(app.Stdout, "Valid: %s@%s\n", m.ID, m.Version)
			if r := report.Integrity; r != nil {
				if r.Checksum != "" {
					fmt.Fprintf(app.Stdout, "  checksum:  sha256:%s\n", r.Checksum)
				}
				if r.Signed {
					fmt.Fprintf(app.Stdout, "  signed by: %s\n", r.KeyID)
				} else {
					fmt.Fprintln(app.Stdout, "  signed by: (unsigned)")
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.NoVerify, "no-verify", false, "skip signature verification")
	cmd.Flags().StringVar(&opts.Checksum, "checksum", "", "expected sha256 of the artifact")
	return cmd
}
