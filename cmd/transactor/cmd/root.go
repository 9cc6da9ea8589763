// Copyright © 2025 Tessera Systems

package cmd

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "transactor",
	Short: "Transactor manages workspace sessions and backups",
	Long: `Transactor serves workspace sessions over websockets and maintains
chunked incremental backups of workspace data across storage backends.

The serve command runs the session server. The backup family of commands
(backup, restore, clone, compact) drives the same chunked protocol as a
client against a running server.
`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		osExit(1)
	}
}

func init() {
	log.SetFlags(0)
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&params.root.logLevel, "loglevel", "info", "log level (debug|info|warn|error)")
	pf.StringVar(&params.root.storage, "storage", "", "storage backend config, e.g. \"local://default=/var/lib/transactor;s3://archive=bucket?region=us-east-1\"")
	pf.StringVar(&params.root.indexPath, "index-path", "", "path of the on-disk blob location index, empty for in-memory")
	pf.StringVar(&params.root.backupBucket, "backup-bucket", "", "bucket holding backup chains")
	pf.StringVar(&params.root.server, "server", "", "websocket endpoint of a running transactor, e.g. ws://localhost:8080/ws")
	pf.StringVar(&params.root.secret, "secret", "", "shared secret used to sign and verify session tokens")

	_ = viper.BindPFlag("storage", pf.Lookup("storage"))
	_ = viper.BindPFlag("index-path", pf.Lookup("index-path"))
	_ = viper.BindPFlag("backup-bucket", pf.Lookup("backup-bucket"))
	_ = viper.BindPFlag("server", pf.Lookup("server"))
	_ = viper.BindPFlag("secret", pf.Lookup("secret"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	viper.SetDefault("backup-bucket", "backups")

	if os.Getenv("TRANSACTOR_CONFIG") != "" {
		// Use config file from the flag.
		viper.SetConfigFile(os.Getenv("TRANSACTOR_CONFIG"))
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.transactor")
		viper.AddConfigPath("/etc/transactor")
		viper.SetConfigName("transactor")
	}

	viper.SetEnvPrefix("transactor")
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		log.Println("Using config file:", viper.ConfigFileUsed())
	}

	params.root.storage = viper.GetString("storage")
	params.root.indexPath = viper.GetString("index-path")
	params.root.backupBucket = viper.GetString("backup-bucket")
	params.root.server = viper.GetString("server")
	params.root.secret = viper.GetString("secret")
}
