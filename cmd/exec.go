package cmd

import (
	"fmt"

	shellquote "github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/errors"
)

var execCmd = &cobra.Command{
	Use:   "exec -- <command>",
	Short: "Execute a command in a workspace",
	Long: `Runs a command in the workspace root through the access broker and
prints its output. The command exits non-zero when the remote command does.`,
	RunE: runExec,
}

var execOwner ownerFlags

func init() {
	execOwner.register(execCmd)
	rootCmd.AddCommand(execCmd)
}

func runExec(cmd *cobra.Command, args []string) error {
	owner, err := execOwner.owner()
	if err != nil {
		return err
	}

	// Everything after -- is the command.
	dash := cmd.ArgsLenAtDash()
	if dash < 0 || dash >= len(args) {
		return errors.InvalidArgument("usage: forage-broker exec --project <id> -- <command>")
	}
	command := shellquote.Join(args[dash:]...)

	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	ws, err := a.Registry.Require(ctx, owner)
	if err != nil {
		return err
	}

	res, err := a.Broker.Exec(ctx, ws, command)
	if err != nil {
		return err
	}

	fmt.Fprint(cmd.OutOrStdout(), res.Stdout)
	fmt.Fprint(cmd.ErrOrStderr(), res.Stderr)

	if res.ExitCode != 0 {
		return errors.CommandFailed(fmt.Sprintf("command exited with status %d", res.ExitCode), nil)
	}
	return nil
}
