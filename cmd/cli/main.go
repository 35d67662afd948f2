package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hemostat/cmd/cli/client"
)

var rootCmd = &cobra.Command{
	Use:   "hemostat",
	Short: "HemoStat CLI - container health pipeline dashboard",
	Long: `HemoStat CLI talks to the hemostat API server. It shows the live
container grid, the pipeline event timeline, per-container audit trails and
remediation reports.`,
	SilenceUsage: true,
}

func apiClient() *client.APIClient {
	return client.New(viper.GetString("server"), viper.GetString("token"))
}

func initConfig() {
	home, err := os.UserHomeDir()
	if err == nil {
		viper.AddConfigPath(home)
	}
	viper.SetConfigName(".hemostat")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("HEMOSTAT")
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err == nil {
		return
	}
	if home != "" {
		viper.SetConfigFile(filepath.Join(home, ".hemostat.yaml"))
	}
}

func main() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().String("server", "http://localhost:8080", "API server address")
	viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
