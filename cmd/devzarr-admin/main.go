package main

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/devzarr/devzarr/config"
	"github.com/devzarr/devzarr/globals"
	"github.com/devzarr/devzarr/persistence"
	"github.com/devzarr/devzarr/slug"
	"github.com/devzarr/devzarr/types"
)

// A very simple CLI tool for the administration of rooms and users.

var configPath = pflag.StringP("config", "c", "", "path to config file or directory")

func main() {
	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()

	globalConfig, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}

	if globalConfig.LogLevel != "" {
		globals.AppLogger.SetLevel(hclog.LevelFromString(globalConfig.LogLevel))
	}

	persister, err := persistence.NewPersister(globalConfig)
	if err != nil {
		panic(err)
	}
	if persister == nil {
		panic("no persistence configured")
	}
	defer persister.Close()

	printJSON := func(v interface{}) {
		out, err := json.Marshal(v)
		if err != nil {
			globals.AppLogger.Error("could not marshal", "error", err)
			return
		}
		fmt.Println(string(out))
	}

	var cmdShow = &cobra.Command{
		Use:   "show",
		Short: "Show rooms, users or members",
	}
	var cmdShowRooms = &cobra.Command{
		Use:   "rooms",
		Short: "List all rooms",
		Run: func(cmd *cobra.Command, args []string) {
			rooms, err := persister.GetRooms()
			if err != nil {
				globals.AppLogger.Error("could not get rooms", "error", err)
				return
			}
			printJSON(rooms)
		},
	}
	var cmdShowRoom = &cobra.Command{
		Use:   "room [slug]",
		Short: "Show one room",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			room, err := persister.GetRoomBySlug(args[0])
			if err != nil {
				globals.AppLogger.Error("could not get room", "error", err)
				return
			}
			printJSON(room)
		},
	}
	var cmdShowUsers = &cobra.Command{
		Use:   "users",
		Short: "List all users",
		Run: func(cmd *cobra.Command, args []string) {
			users, err := persister.GetUsers()
			if err != nil {
				globals.AppLogger.Error("could not get users", "error", err)
				return
			}
			printJSON(users)
		},
	}
	var cmdShowUser = &cobra.Command{
		Use:   "user [handle]",
		Short: "Show one user",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			user, err := persister.GetUserByHandle(args[0])
			if err != nil {
				globals.AppLogger.Error("could not get user", "error", err)
				return
			}
			printJSON(user)
		},
	}
	var cmdShowMembers = &cobra.Command{
		Use:   "members [room slug]",
		Short: "List the members of a room",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			room, err := persister.GetRoomBySlug(args[0])
			if err != nil {
				globals.AppLogger.Error("could not get room", "error", err)
				return
			}
			members, err := persister.Memberships(room.Id)
			if err != nil {
				globals.AppLogger.Error("could not get members", "error", err)
				return
			}
			printJSON(members)
		},
	}

	var cmdCreateRoom = &cobra.Command{
		Use:   "create-room [name] [owner handle]",
		Short: "Create a room owned by the given user",
		Args:  cobra.MinimumNArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			owner, err := persister.GetUserByHandle(args[1])
			if err != nil {
				globals.AppLogger.Error("could not get owner", "error", err)
				return
			}
			roomSlug := slug.Make(args[0])
			if roomSlug == "" {
				globals.AppLogger.Error("room name yields an empty slug")
				return
			}
			room := types.Room{
				Id:      uuid.NewString(),
				Name:    args[0],
				Slug:    roomSlug,
				OwnerId: owner.Id,
				Tags:    make(types.JSONStringMap),
			}
			if err := persister.CreateRoom(room); err != nil {
				globals.AppLogger.Error("could not create room", "error", err)
				return
			}
			created, err := persister.GetRoomBySlug(roomSlug)
			if err != nil {
				globals.AppLogger.Error("could not load created room", "error", err)
				return
			}
			printJSON(created)
		},
	}

	var cmdSetRole = &cobra.Command{
		Use:   "set-role [room slug] [handle] [owner|moderator|member]",
		Short: "Set a member's role",
		Args:  cobra.MinimumNArgs(3),
		Run: func(cmd *cobra.Command, args []string) {
			role := args[2]
			if role != types.RoleOwner && role != types.RoleModerator && role != types.RoleMember {
				globals.AppLogger.Error("invalid role", "role", role)
				return
			}
			room, user, ok := resolveMember(persister, args[0], args[1])
			if !ok {
				return
			}
			if err := persister.SetRole(room.Id, user.Id, role); err != nil {
				globals.AppLogger.Error("could not set role", "error", err)
			}
		},
	}
	var cmdSetVoice = &cobra.Command{
		Use:   "set-voice [room slug] [handle] [on|off]",
		Short: "Grant or revoke voice",
		Args:  cobra.MinimumNArgs(3),
		Run: func(cmd *cobra.Command, args []string) {
			room, user, ok := resolveMember(persister, args[0], args[1])
			if !ok {
				return
			}
			if err := persister.SetVoice(room.Id, user.Id, args[2] == "on"); err != nil {
				globals.AppLogger.Error("could not set voice", "error", err)
			}
		},
	}

	var cmdSetTag = &cobra.Command{
		Use:   "set-tag",
		Short: "Set a tag on a user profile or room",
	}
	var cmdSetUserTag = &cobra.Command{
		Use:   "user [handle] [name] [expression]",
		Short: "Update one profile tag (the expression sees the current Tags map)",
		Args:  cobra.MinimumNArgs(3),
		Run: func(cmd *cobra.Command, args []string) {
			user, err := persister.GetUserByHandle(args[0])
			if err != nil {
				globals.AppLogger.Error("could not get user", "error", err)
				return
			}
			update := &types.TagUpdate{Name: args[1], Type: types.TagValueTypeString, Expression: args[2]}
			res, err := persister.UpdateUserTags(user, []*types.TagUpdate{update})
			if err != nil {
				globals.AppLogger.Error("could not update tags", "error", err)
				return
			}
			if len(res) == 0 || !res[0] {
				globals.AppLogger.Error("tag update not applied", "expression", args[2])
			}
		},
	}
	var cmdSetRoomTag = &cobra.Command{
		Use:   "room [slug] [name] [expression]",
		Short: "Update one room tag (the expression sees the current Tags map)",
		Args:  cobra.MinimumNArgs(3),
		Run: func(cmd *cobra.Command, args []string) {
			room, err := persister.GetRoomBySlug(args[0])
			if err != nil {
				globals.AppLogger.Error("could not get room", "error", err)
				return
			}
			update := &types.TagUpdate{Name: args[1], Type: types.TagValueTypeString, Expression: args[2]}
			res, err := persister.UpdateRoomTags(room, []*types.TagUpdate{update})
			if err != nil {
				globals.AppLogger.Error("could not update tags", "error", err)
				return
			}
			if len(res) == 0 || !res[0] {
				globals.AppLogger.Error("tag update not applied", "expression", args[2])
			}
		},
	}
	cmdSetTag.AddCommand(cmdSetUserTag, cmdSetRoomTag)

	var cmdDelete = &cobra.Command{
		Use:   "delete",
		Short: "Delete a room or user",
	}
	var cmdDeleteRoom = &cobra.Command{
		Use:   "room [slug]",
		Short: "Delete a room",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			room, err := persister.GetRoomBySlug(args[0])
			if err != nil {
				globals.AppLogger.Error("could not get room", "error", err)
				return
			}
			if err := persister.DeleteRoom(room); err != nil {
				globals.AppLogger.Error("could not delete room", "error", err)
			}
		},
	}
	var cmdDeleteUser = &cobra.Command{
		Use:   "user [handle]",
		Short: "Delete a user",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			user, err := persister.GetUserByHandle(args[0])
			if err != nil {
				globals.AppLogger.Error("could not get user", "error", err)
				return
			}
			if err := persister.DeleteUser(user); err != nil {
				globals.AppLogger.Error("could not delete user", "error", err)
			}
		},
	}

	var rootCmd = &cobra.Command{Use: "devzarr-admin"}
	rootCmd.AddCommand(cmdShow, cmdCreateRoom, cmdSetRole, cmdSetVoice, cmdSetTag, cmdDelete)
	cmdShow.AddCommand(cmdShowRooms, cmdShowRoom, cmdShowUsers, cmdShowUser, cmdShowMembers)
	cmdDelete.AddCommand(cmdDeleteRoom, cmdDeleteUser)
	rootCmd.Execute()
}

func resolveMember(persister persistence.Persister, roomSlug, handle string) (*types.Room, *types.User, bool) {
	room, err := persister.GetRoomBySlug(roomSlug)
	if err != nil {
		globals.AppLogger.Error("could not get room", "error", err)
		return nil, nil, false
	}
	user, err := persister.GetUserByHandle(handle)
	if err != nil {
		globals.AppLogger.Error("could not get user", "error", err)
		return nil, nil, false
	}
	return room, user, true
}
