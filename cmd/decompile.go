package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"vbcb-bot/bbcode"
	"vbcb-bot/decompiler"

	"github.com/spf13/cobra"
)

func newDecompileCmd() *cobra.Command {
	var (
		escaped   bool
		texPrefix string
		smilies   []string
	)

	cmd := &cobra.Command{
		Use:   "decompile",
		Short: "Convert chatbox HTML read from stdin into BBCode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			input, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}

			defs, err := parseSmileyFlags(smilies)
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
			d := decompiler.New(decompiler.Fixed(bbcode.NewSmilies(defs, nil)), texPrefix, logger)

			nodes, err := d.DecompileFragment(string(input))
			if err != nil {
				return err
			}

			out := bbcode.Join(nodes)
			if escaped {
				out = bbcode.JoinEscaped(nodes)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
			return err
		},
	}

	cmd.Flags().BoolVar(&escaped, "escaped", false, "print BBCode that shows literally when posted")
	cmd.Flags().StringVar(&texPrefix, "tex-prefix", "", "URL prefix of rendered formula images")
	cmd.Flags().StringArrayVar(&smilies, "smiley", nil, "smiley as code=url; may be repeated")
	return cmd
}

func parseSmileyFlags(values []string) ([]bbcode.SmileyDef, error) {
	defs := make([]bbcode.SmileyDef, 0, len(values))
	for _, v := range values {
		code, url, ok := strings.Cut(v, "=")
		if !ok || code == "" || url == "" {
			return nil, fmt.Errorf("invalid --smiley %q, want code=url", v)
		}
		defs = append(defs, bbcode.SmileyDef{Code: code, URL: url})
	}
	return defs, nil
}
