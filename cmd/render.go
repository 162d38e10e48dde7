package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roost-sh/roost/internal/config"
	rerrors "github.com/roost-sh/roost/internal/errors"
	"github.com/roost-sh/roost/internal/render"
	"github.com/roost-sh/roost/internal/types"
	"github.com/roost-sh/roost/internal/version"
)

var renderCmd = &cobra.Command{
	Use:   "render <source-dir>",
	Short: "Render a service's templates once and exit",
	Long: `Render runs one render pass over a source directory laid out like a
service package (default.toml, config/, hooks/) without a supervisor. It is
meant for CI: template errors fail the command with file, line, and column.

Configuration files given with --cfg are layered over default.toml the way
user.toml would be at runtime.`,
	Args: cobra.ExactArgs(1),
	RunE: renderOnce,
}

func init() {
	renderCmd.Flags().StringSlice("cfg", nil, "TOML file(s) layered over default.toml")
	renderCmd.Flags().String("out", "", "output directory (default: a temp directory, printed)")
	renderCmd.Flags().String("ident", "test/service", "package identifier for the pkg namespace")
	renderCmd.Flags().String("group", types.DefaultGroup, "service group name")
	renderCmd.Flags().Bool("strict", true, "fail on references to missing values")
	rootCmd.AddCommand(renderCmd)
}

func renderOnce(cmd *cobra.Command, args []string) error {
	sourceDir := args[0]
	identStr := mustString(cmd, "ident")
	group := mustString(cmd, "group")
	outDir := mustString(cmd, "out")
	strict, _ := cmd.Flags().GetBool("strict")
	cfgFiles, _ := cmd.Flags().GetStringSlice("cfg")

	spec := &types.ServiceSpec{IdentString: identStr, Group: group, ConfigFrom: sourceDir}
	if err := spec.Normalize(); err != nil {
		return err
	}

	if outDir == "" {
		dir, err := os.MkdirTemp("", "roost-render-")
		if err != nil {
			return err
		}
		outDir = dir
	}

	svcCfg := config.NewServiceConfig()
	if err := svcCfg.LoadLayerFile(config.LayerDefault, filepath.Join(sourceDir, "default.toml")); err != nil {
		return err
	}
	for _, path := range cfgFiles {
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := svcCfg.SetLayer(config.LayerUser, raw); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}

	collector := rerrors.NewCollector()
	renderer := render.NewRenderer(nil, collector, strict)
	rctx := &render.Context{
		Sys: render.SysInfo{
			MemberID: "render-once",
			IP:       "127.0.0.1",
			Hostname: "localhost",
			Version:  version.Version,
		},
		Pkg: &render.Package{
			Ident:         spec.Ident,
			Path:          sourceDir,
			SvcConfigPath: outDir,
			SvcDataPath:   filepath.Join(outDir, "data"),
			SvcVarPath:    filepath.Join(outDir, "var"),
		},
		Cfg:  svcCfg.Merged(),
		Spec: spec,
	}

	result, err := renderer.RenderService(cmd.Context(), spec.Ident.Name,
		filepath.Join(sourceDir, "config"), filepath.Join(sourceDir, "hooks"), outDir, rctx)
	if err != nil {
		for _, re := range collector.RenderErrors() {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s:%d:%d: %s\n", re.Template, re.Line, re.Column, re.Message)
		}
		return err
	}

	for _, re := range collector.RenderErrors() {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s: %s\n", re.Template, re.Message)
	}
	for _, file := range result.Files {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\n", filepath.Join(outDir, filepath.FromSlash(file.Name)))
	}
	return nil
}
