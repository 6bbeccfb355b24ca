package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/persona/internal/engine"
	"github.com/lazypower/persona/internal/model"
)

const cliTimeout = 30 * time.Second

var (
	rememberOwner    string
	rememberKind     string
	rememberCategory string
	rememberTags     []string
	rememberPin      bool

	recallOwner  string
	recallBudget int
	recallJSON   bool
)

var rememberCmd = &cobra.Command{
	Use:   "remember [summary]",
	Short: "Store an explicit memory",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := model.ParseKind(rememberKind)
		if err != nil {
			return err
		}
		cat, err := model.ParseCategory(rememberCategory)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), cliTimeout)
		defer cancel()

		h, err := newClient().Remember(ctx, model.Candidate{
			OwnerID:            rememberOwner,
			Kind:               kind,
			Category:           cat,
			Summary:            strings.Join(args, " "),
			Tags:               rememberTags,
			Pinned:             rememberPin,
			ExplicitImportance: true,
		})
		if err != nil {
			return err
		}
		fmt.Printf("queued %s\n", h.ProvisionalID)
		return nil
	},
}

var recallCmd = &cobra.Command{
	Use:   "recall [query]",
	Short: "Retrieve memories relevant to a query",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), cliTimeout)
		defer cancel()
		query := strings.Join(args, " ")
		c := newClient()

		if !recallJSON {
			text, err := c.Context(ctx, recallOwner, query, recallBudget)
			if err != nil {
				return err
			}
			if text == "" {
				fmt.Println("No memories found.")
				return nil
			}
			fmt.Print(text)
			return nil
		}

		res, err := c.Retrieve(ctx, engine.RetrieveRequest{OwnerID: recallOwner, Query: query, TokenBudget: recallBudget})
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

var showCmd = &cobra.Command{
	Use:   "show <owner> <kind> <id>",
	Short: "Print one memory",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ns, err := namespaceArgs(args)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), cliTimeout)
		defer cancel()
		rec, err := newClient().Get(ctx, ns, args[2])
		if err != nil {
			return err
		}
		printRecord(rec)
		return nil
	},
}

var forgetCmd = &cobra.Command{
	Use:   "forget <owner> <kind> <id>",
	Short: "Delete a memory; it is purged on the next decay pass",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ns, err := namespaceArgs(args)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), cliTimeout)
		defer cancel()
		if err := newClient().Forget(ctx, ns, args[2]); err != nil {
			return err
		}
		fmt.Printf("forgot %s\n", args[2])
		return nil
	},
}

var (
	pinOff  bool
	holdOff bool
)

var pinCmd = &cobra.Command{
	Use:   "pin <owner> <kind> <id>",
	Short: "Pin a memory so it is never archived",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ns, err := namespaceArgs(args)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), cliTimeout)
		defer cancel()
		rec, err := newClient().SetPinned(ctx, ns, args[2], !pinOff)
		if err != nil {
			return err
		}
		printRecord(rec)
		return nil
	},
}

var holdCmd = &cobra.Command{
	Use:   "hold <owner> <kind> <id>",
	Short: "Place a legal hold on a memory so it is never purged",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ns, err := namespaceArgs(args)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), cliTimeout)
		defer cancel()
		rec, err := newClient().SetLegalHold(ctx, ns, args[2], !holdOff)
		if err != nil {
			return err
		}
		printRecord(rec)
		return nil
	},
}

var decayCmd = &cobra.Command{
	Use:   "decay",
	Short: "Run a decay pass now",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
		defer cancel()
		rep, err := newClient().Decay(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("scanned %d, archived %d, purged %d, backfilled %d, failed %d\n",
			rep.Scanned, rep.Archived, rep.Purged, rep.Backfilled, rep.Failed)
		return nil
	},
}

func init() {
	rememberCmd.Flags().StringVarP(&rememberOwner, "owner", "o", "", "owner ID (required)")
	rememberCmd.Flags().StringVarP(&rememberKind, "kind", "k", string(model.KindSemantic), "semantic, episodic or procedural")
	rememberCmd.Flags().StringVarP(&rememberCategory, "category", "c", string(model.CategoryOther), "memory category")
	rememberCmd.Flags().StringSliceVarP(&rememberTags, "tag", "t", nil, "tags (repeatable)")
	rememberCmd.Flags().BoolVar(&rememberPin, "pin", false, "pin the memory")
	_ = rememberCmd.MarkFlagRequired("owner")

	recallCmd.Flags().StringVarP(&recallOwner, "owner", "o", "", "owner ID (required)")
	recallCmd.Flags().IntVarP(&recallBudget, "budget", "b", 800, "token budget")
	recallCmd.Flags().BoolVar(&recallJSON, "json", false, "print the scored result as JSON")
	_ = recallCmd.MarkFlagRequired("owner")

	pinCmd.Flags().BoolVar(&pinOff, "off", false, "unpin instead")
	holdCmd.Flags().BoolVar(&holdOff, "off", false, "release the hold instead")
}

func namespaceArgs(args []string) (model.Namespace, error) {
	kind, err := model.ParseKind(args[1])
	if err != nil {
		return model.Namespace{}, err
	}
	return model.Namespace{OwnerID: args[0], Kind: kind}, nil
}

func printRecord(r *model.Record) {
	fmt.Printf("%s  [%s/%s]  importance %.2f  trust %.2f\n", r.ID, r.Kind, r.Category, r.Importance, r.SourceTrust)
	fmt.Printf("  %s\n", r.Summary)
	var flags []string
	if r.Pinned {
		flags = append(flags, "pinned")
	}
	if r.LegalHold {
		flags = append(flags, "legal hold")
	}
	if r.Archived {
		flags = append(flags, "archived")
	}
	if r.Deleted {
		flags = append(flags, "deleted")
	}
	if len(r.Tags) > 0 {
		flags = append(flags, "tags: "+strings.Join(r.Tags, ","))
	}
	if len(flags) > 0 {
		fmt.Printf("  %s\n", strings.Join(flags, "; "))
	}
}
