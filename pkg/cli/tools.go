package cli

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mtomr3/nordmac/pkg/catalog"
	"github.com/mtomr3/nordmac/pkg/credentials"
	"github.com/mtomr3/nordmac/pkg/ipdetect"
)

func newServersCmd(configPath *string, verbose *bool) *cobra.Command {
	var country string

	cmd := &cobra.Command{
		Use:   "servers",
		Short: "List known VPN servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*configPath, *verbose)
			if err != nil {
				return err
			}

			cat := catalog.New(a.cfg.VPN.ConfigDir, a.cfg.VPN.Protocol)
			if err := cat.Load(); err != nil {
				return err
			}
			if country != "" {
				cat.SetFilter(catalog.FilterOptions{Countries: []string{country}})
			}

			groups := cat.ByCountry()
			codes := make([]string, 0, len(groups))
			for code := range groups {
				codes = append(codes, code)
			}
			sort.Strings(codes)

			for _, code := range codes {
				fmt.Printf("%s (%d servers)\n", code, len(groups[code]))
				for _, ep := range groups[code] {
					line := fmt.Sprintf("  %-24s %s", ep.ID, ep.Protocol)
					if ep.Region != "" {
						line += "  " + ep.Region
					}
					if ep.Load > 0 {
						line += fmt.Sprintf("  load %d%%", ep.Load)
					}
					fmt.Println(line)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&country, "country", "", "only list servers in this country")
	return cmd
}

func newIPCmd(configPath *string, verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "ip",
		Short: "Show the current public IP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*configPath, *verbose)
			if err != nil {
				return err
			}

			info, err := ipdetect.New(a.logger).Current(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("IP:      %s\n", info.IP)
			if info.City != "" || info.Country != "" {
				fmt.Printf("Where:   %s\n", strings.TrimSpace(strings.Join([]string{info.City, info.Region, info.Country}, " ")))
			}
			if info.Org != "" {
				fmt.Printf("Network: %s\n", info.Org)
			}
			return nil
		},
	}
}

func newFetchConfigsCmd(configPath *string, verbose *bool) *cobra.Command {
	var (
		url   string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "fetch-configs",
		Short: "Download the server config archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*configPath, *verbose)
			if err != nil {
				return err
			}

			dir := a.cfg.VPN.ConfigDir
			if force {
				err = catalog.Download(cmd.Context(), url, dir)
			} else {
				err = catalog.EnsurePresent(cmd.Context(), url, dir)
			}
			if err != nil {
				return err
			}

			cat := catalog.New(dir, "")
			if err := cat.Load(); err != nil {
				return err
			}
			fmt.Printf("%d servers available under %s\n", cat.Len(), dir)
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", catalog.DefaultArchiveURL, "archive URL")
	cmd.Flags().BoolVar(&force, "force", false, "download even when configs already exist")
	return cmd
}

func newLoginCmd(configPath *string, verbose *bool) *cobra.Command {
	var username string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the VPN password in the system keyring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" {
				return fmt.Errorf("--user is required")
			}

			fmt.Fprint(os.Stderr, "Password: ")
			reader := bufio.NewReader(cmd.InOrStdin())
			password, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
			password = strings.TrimRight(password, "\r\n")

			if err := credentials.Store(username, password); err != nil {
				return err
			}
			fmt.Printf("Stored keyring credential for %s\n", username)
			return nil
		},
	}

	cmd.Flags().StringVar(&username, "user", "", "VPN account username")
	return cmd
}

func newLogoutCmd(configPath *string, verbose *bool) *cobra.Command {
	var username string

	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Remove the VPN password from the system keyring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" {
				return fmt.Errorf("--user is required")
			}
			if err := credentials.Delete(username); err != nil {
				return err
			}
			fmt.Printf("Removed keyring credential for %s\n", username)
			return nil
		},
	}

	cmd.Flags().StringVar(&username, "user", "", "VPN account username")
	return cmd
}
