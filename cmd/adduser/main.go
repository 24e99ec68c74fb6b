// The adduser command creates accounts directly in the configured database,
// useful for seeding a fresh install or creating developer accounts without
// going through the wire protocol.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/parlorhq/parlor/internal/auth"
	"github.com/parlorhq/parlor/internal/core"
	"github.com/parlorhq/parlor/internal/core/data"
)

var (
	configFlag = flag.String("config", "./", "Path to the directory containing the server config file")
	roleFlag   = flag.String("role", data.RolePlayer, "Account role (player or developer)")
)

func main() {
	flag.Parse()
	if flag.NArg() < 2 {
		fmt.Println("Usage: adduser [flags] [username] [password]")
		os.Exit(1)
	}
	if *roleFlag != data.RolePlayer && *roleFlag != data.RoleDeveloper {
		fmt.Printf("unknown role %q\n", *roleFlag)
		os.Exit(1)
	}

	config := core.LoadConfig(*configFlag)
	store, err := data.Initialize(config)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer store.Shutdown()

	user, err := auth.CreateUser(store, flag.Arg(0), flag.Arg(1), *roleFlag)
	if err != nil {
		fmt.Println("failed to create account:", err)
		os.Exit(1)
	}
	fmt.Printf("created %s account %s\n", user.Role, user.Username)
}
