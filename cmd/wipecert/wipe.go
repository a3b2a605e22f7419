package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"wipecert_enterprise/internal/app"
	"wipecert_enterprise/internal/cli"
	"wipecert_enterprise/internal/security"
	"wipecert_enterprise/internal/system"
	"wipecert_enterprise/internal/wipe"
)

var wipeCmd = &cobra.Command{
	Use:   "wipe <device-id>...",
	Short: "Erase devices from the inventory and certify them",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runWipe,
}

func init() {
	wipeCmd.Flags().StringP("standard", "s", "", "Sanitization standard (NIST-800-88/DoD-5220.22-M/CESG-CPA)")
	wipeCmd.Flags().IntP("passes", "p", 0, "Overwrite passes (0 = standard default, clamped to 1..7)")
	wipeCmd.Flags().Bool("verify", false, "Request verification after erasure")
	wipeCmd.Flags().BoolP("force", "f", false, "Skip the confirmation prompts")
	wipeCmd.Flags().Bool("abort-on-failure", false, "Stop the session at the first failed or rejected device")
	wipeCmd.Flags().StringSlice("confirm-fixed", nil, "Allow these non-removable device ids (asks for the serial)")
}

func wipeOptions(cmd *cobra.Command, a *app.App) (wipe.Options, error) {
	opts, err := a.DefaultOptions()
	if err != nil {
		return opts, err
	}
	if cmd.Flags().Changed("standard") {
		s, _ := cmd.Flags().GetString("standard")
		if opts.Standard, err = wipe.ParseStandard(s); err != nil {
			return opts, err
		}
	}
	if cmd.Flags().Changed("passes") {
		opts.Passes, _ = cmd.Flags().GetInt("passes")
	}
	if cmd.Flags().Changed("verify") {
		opts.Verify, _ = cmd.Flags().GetBool("verify")
	}
	return opts, nil
}

func runWipe(cmd *cobra.Command, args []string) error {
	if err := security.SecurityChecks(cfg); err != nil {
		return err
	}

	inv, err := loadInventory()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, inv)
	if err != nil {
		return err
	}

	opts, err := wipeOptions(cmd, a)
	if err != nil {
		return err
	}

	devs := make([]system.Device, 0, len(args))
	for _, id := range args {
		d, err := inv.Lookup(id)
		if err != nil {
			return err
		}
		devs = append(devs, d)
	}

	force, _ := cmd.Flags().GetBool("force")
	confirmFixed, _ := cmd.Flags().GetStringSlice("confirm-fixed")
	ask := !force && cfg.Security.RequireConfirmation
	prompter := cli.NewPrompter(cmd.InOrStdin(), cmd.OutOrStdout())

	selected := make(map[string]bool, len(args))
	for _, id := range args {
		selected[id] = true
	}
	for _, id := range confirmFixed {
		if !selected[id] {
			return errors.Newf("--confirm-fixed %s names a device that is not selected", id)
		}
		if !ask {
			continue
		}
		dev, _ := inv.Lookup(id)
		ok, err := prompter.ConfirmFixed(dev)
		if err != nil {
			return err
		}
		if !ok {
			logger.Info("Fixed disk confirmation failed", zap.String("device_id", id))
			return errors.Newf("confirmation for fixed disk %s did not match", id)
		}
	}

	if ask {
		ok, err := prompter.ConfirmSession(devs, opts)
		if err != nil {
			return err
		}
		if !ok {
			logger.Info("Operation cancelled by operator")
			return nil
		}
	}

	req := app.SessionRequest{DeviceIDs: args, Options: opts, ConfirmedFixed: confirmFixed}
	if abort, _ := cmd.Flags().GetBool("abort-on-failure"); abort {
		keepGoing := false
		req.ContinueOnFailure = &keepGoing
	}

	logger.Info("Starting wipecert", zap.String("version", Version), zap.Strings("devices", args))
	s, err := a.StartSession(ctx, req)
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	finished := make(chan struct{})
	defer func() {
		signal.Stop(sigChan)
		close(finished)
	}()
	go func() {
		var sig os.Signal
		select {
		case sig = <-sigChan:
		case <-finished:
			return
		}
		logger.Warn("Signal received, cancelling session", zap.String("signal", sig.String()))
		fmt.Fprintf(cmd.ErrOrStderr(), "\nReceived %s, cancelling...\n", sig)
		if err := a.CancelSession(s.ID); err != nil {
			logger.Error("Cancel failed", zap.Error(err))
		}
	}()

	out := cmd.OutOrStdout()
	cli.NewProgressPrinter(out).Follow(s.Updates())
	res := s.Wait()
	cli.PrintResult(out, res)

	if path, err := s.Report(); err == nil && path != "" {
		fmt.Fprintf(out, "Report: %s\n", path)
	}

	if code := app.ExitCode(res); code != app.ExitOK {
		return &exitError{code: code, err: res.Err}
	}
	return nil
}
