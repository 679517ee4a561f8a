package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/carebridge/gatekeeper/pkg/domain/admission"
)

// commandTimeout bounds a single store round trip.
const commandTimeout = 10 * time.Second

var blacklistCmd = &cobra.Command{
	Use:     "blacklist",
	Aliases: []string{"bl"},
	Short:   "Inspect and edit the shared blacklist",
}

var blacklistListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List active blacklist entries",
	Args:    cobra.NoArgs,
	RunE:    runBlacklistList,
}

var blacklistGetCmd = &cobra.Command{
	Use:   "get IDENTITY",
	Short: "Show one blacklist entry",
	Long: `Show one blacklist entry. IDENTITY is either a client IP, combined with
--api-key when the client sends one, or a full identity key such as
"ip:10.0.0.5".`,
	Args: cobra.ExactArgs(1),
	RunE: runBlacklistGet,
}

var blacklistAddCmd = &cobra.Command{
	Use:   "add IDENTITY",
	Short: "Block an identity until the TTL expires",
	Args:  cobra.ExactArgs(1),
	RunE:  runBlacklistAdd,
}

var blacklistRemoveCmd = &cobra.Command{
	Use:     "remove IDENTITY",
	Aliases: []string{"rm"},
	Short:   "Lift a block before its TTL expires",
	Args:    cobra.ExactArgs(1),
	RunE:    runBlacklistRemove,
}

func init() {
	for _, c := range []*cobra.Command{blacklistGetCmd, blacklistAddCmd, blacklistRemoveCmd} {
		c.Flags().String("api-key", "", "API key the client sends, when IDENTITY is an IP")
	}
	blacklistAddCmd.Flags().Duration("ttl", time.Hour, "How long the block lasts")
	blacklistAddCmd.Flags().String("reason", "Blocked by administrator", "Reason returned to the client")

	blacklistCmd.AddCommand(blacklistListCmd)
	blacklistCmd.AddCommand(blacklistGetCmd)
	blacklistCmd.AddCommand(blacklistAddCmd)
	blacklistCmd.AddCommand(blacklistRemoveCmd)
}

// resolveIdentity turns an IP (plus optional API key) or a full identity key
// into the state key and client IP.
func resolveIdentity(arg, apiKey string) (string, netip.Addr, error) {
	if rest, ok := strings.CutPrefix(arg, "ip:"); ok {
		if apiKey != "" {
			return "", netip.Addr{}, errors.New("--api-key cannot be combined with a full identity key")
		}
		ipPart, _, _ := strings.Cut(rest, "|")
		ip, err := netip.ParseAddr(ipPart)
		if err != nil {
			return "", netip.Addr{}, fmt.Errorf("invalid identity key %q: %w", arg, err)
		}
		return arg, ip.Unmap(), nil
	}

	ip, err := netip.ParseAddr(arg)
	if err != nil {
		return "", netip.Addr{}, fmt.Errorf("invalid client IP %q: %w", arg, err)
	}
	id := admission.NewClientIdentity(ip, apiKey)
	return id.Key(), id.IP(), nil
}

func identityArg(cmd *cobra.Command, args []string) (string, netip.Addr, error) {
	apiKey, _ := cmd.Flags().GetString("api-key")
	return resolveIdentity(args[0], apiKey)
}

func runBlacklistList(cmd *cobra.Command, _ []string) error {
	store, closeFn, err := openBlacklist()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()

	entries, err := store.List(ctx)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []admission.BlacklistEntry{}
	}

	out := cmd.OutOrStdout()
	if ok, err := printStructured(out, flagOutput, entries); ok {
		return err
	}

	if len(entries) == 0 {
		fmt.Fprintln(out, "No active blacklist entries.")
		return nil
	}
	now := time.Now()
	t := newTable(out, "IDENTITY", "IP", "REASON", "EXPIRES IN")
	for _, e := range entries {
		t.AddRow(truncate(e.Identity, 48), e.IP, truncate(e.Reason, 40), remaining(e.ExpiresAt, now))
	}
	t.Flush()
	return nil
}

func runBlacklistGet(cmd *cobra.Command, args []string) error {
	key, _, err := identityArg(cmd, args)
	if err != nil {
		return err
	}
	store, closeFn, err := openBlacklist()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()

	entry, err := store.Lookup(ctx, key)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("no active blacklist entry for %s", key)
	}
	return printEntry(cmd, *entry)
}

func runBlacklistAdd(cmd *cobra.Command, args []string) error {
	key, ip, err := identityArg(cmd, args)
	if err != nil {
		return err
	}
	ttl, _ := cmd.Flags().GetDuration("ttl")
	if ttl <= 0 {
		return errors.New("--ttl must be positive")
	}
	reason, _ := cmd.Flags().GetString("reason")

	store, closeFn, err := openBlacklist()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()

	now := time.Now()
	entry := admission.BlacklistEntry{
		Identity:  key,
		IP:        ip.String(),
		Reason:    reason,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := store.Add(ctx, entry); err != nil {
		return err
	}
	return printEntry(cmd, entry)
}

func runBlacklistRemove(cmd *cobra.Command, args []string) error {
	key, _, err := identityArg(cmd, args)
	if err != nil {
		return err
	}
	store, closeFn, err := openBlacklist()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()

	if err := store.Remove(ctx, key); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Blacklist entry %s removed.\n", key)
	return nil
}

func printEntry(cmd *cobra.Command, e admission.BlacklistEntry) error {
	out := cmd.OutOrStdout()
	if ok, err := printStructured(out, flagOutput, e); ok {
		return err
	}
	fmt.Fprintf(out, "Identity:    %s\n", e.Identity)
	fmt.Fprintf(out, "IP:          %s\n", e.IP)
	fmt.Fprintf(out, "Reason:      %s\n", e.Reason)
	fmt.Fprintf(out, "Created:     %s\n", shortTime(e.CreatedAt))
	fmt.Fprintf(out, "Expires:     %s (in %s)\n", shortTime(e.ExpiresAt), remaining(e.ExpiresAt, time.Now()))
	return nil
}
