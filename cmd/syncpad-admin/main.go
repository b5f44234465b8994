package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/syncpad/syncpad/config"
	"github.com/syncpad/syncpad/globals"
	"github.com/syncpad/syncpad/persistence"
)

// A very simple CLI tool for the administration of syncpad room snapshots.

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
)

func main() {
	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()

	globalConfig, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}
	globals.AppLogger.SetLevel(hclog.LevelFromString(globalConfig.LogLevel))

	store, err := persistence.NewStore(globalConfig)
	if err != nil {
		panic(err)
	}
	if store == nil {
		panic("no persistence configured")
	}
	defer store.Close()

	var cmdShow = &cobra.Command{
		Use:   "show",
		Short: "Show rooms",
		Long:  `show is for printing room snapshot information.`,
		Args:  cobra.MinimumNArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}
	var cmdShowRooms = &cobra.Command{
		Use:   "rooms",
		Short: "Show rooms",
		Long:  `show rooms lists all room snapshots in the session store.`,
		Args:  cobra.MinimumNArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			rooms, err := store.ListRooms()
			if err != nil {
				globals.AppLogger.Error("could not get rooms", "error", err)
				return
			}
			r, err := json.Marshal(rooms)
			if err != nil {
				globals.AppLogger.Error("could not marshal rooms", "error", err)
				return
			}
			fmt.Println(string(r))
		},
	}
	var cmdShowRoom = &cobra.Command{
		Use:   "room [room id]",
		Short: "Show room",
		Long:  `show room prints detail information about the room snapshot with the given id.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			room, err := store.FindRoom(args[0])
			if err != nil {
				globals.AppLogger.Error("could not get room", "error", err)
				return
			}
			if room == nil {
				fmt.Println("null")
				return
			}
			r, err := json.Marshal(room)
			if err != nil {
				globals.AppLogger.Error("could not marshal room", "error", err)
				return
			}
			fmt.Println(string(r))
		},
	}
	var cmdDeactivate = &cobra.Command{
		Use:   "deactivate",
		Short: "Deactivate a room",
		Long:  `deactivate marks a room snapshot as inactive.`,
		Args:  cobra.MinimumNArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}
	var cmdDeactivateRoom = &cobra.Command{
		Use:   "room [room id]",
		Short: "Deactivate room",
		Long:  `deactivate room marks the room snapshot with the given id as inactive.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := store.DeactivateRoom(args[0]); err != nil {
				globals.AppLogger.Error("could not deactivate room", "error", err)
				return
			}
		},
	}
	var olderThan time.Duration
	var cmdPurgeIdle = &cobra.Command{
		Use:   "purge-idle",
		Short: "Deactivate idle rooms",
		Long:  `purge-idle deactivates all active room snapshots without activity for the given duration and clears their message logs.`,
		Args:  cobra.MinimumNArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			n, err := store.BulkDeactivateIdle(time.Now().Add(-olderThan))
			if err != nil {
				globals.AppLogger.Error("could not purge idle rooms", "error", err)
				return
			}
			fmt.Printf("%d room(s) deactivated\n", n)
		},
	}
	cmdPurgeIdle.Flags().DurationVar(&olderThan, "older-than", time.Hour, "idle threshold")

	var rootCmd = &cobra.Command{Use: "syncpad-admin"}
	rootCmd.AddCommand(cmdShow, cmdDeactivate, cmdPurgeIdle)
	cmdShow.AddCommand(cmdShowRooms, cmdShowRoom)
	cmdDeactivate.AddCommand(cmdDeactivateRoom)
	_ = rootCmd.Execute()
}
