// Warren server - a persistent multi-user task execution runtime.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/warren/config"
	"github.com/chazu/warren/db"
	"github.com/chazu/warren/server"
	"github.com/chazu/warren/task"
	"github.com/chazu/warren/vm"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	verbose := flag.Bool("v", false, "Verbose output")
	configDir := flag.String("c", ".", "Directory to search for warren.toml")
	database := flag.String("d", "", "Database path (overrides warren.toml)")
	player := flag.Int64("player", 2, "Object to connect the console session as")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: warren [options]\n\n")
		fmt.Fprintf(os.Stderr, "Starts the server and attaches a console session.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  warren                 # Run with ./warren.toml or defaults\n")
		fmt.Fprintf(os.Stderr, "  warren -d world.db     # Use a specific database file\n")
		fmt.Fprintf(os.Stderr, "  warren -player 3       # Connect the console as #3\n")
	}
	flag.Parse()

	verbosity := 1
	if *verbose {
		verbosity = 2
	}
	commonlog.Configure(verbosity, nil)
	log := commonlog.GetLogger("warren")

	cfg, err := config.FindAndLoad(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if *database != "" {
		cfg.Server.Database = *database
		cfg.Dir = ""
	}

	persist, err := db.OpenPersistence(cfg.DatabasePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer persist.Close()

	world, err := persist.LoadWorld()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading world: %v\n", err)
		os.Exit(1)
	}
	if world.MaxID() == 0 {
		log.Info("empty database, building the starter world")
		bootstrapWorld(world)
	}

	coord := db.NewCoordinator(world)
	sched := task.NewScheduler(coord, vm.StockRegistry(), cfg.TaskBudgets())
	sched.Persist = persist

	pool := server.NewWorkerPool(cfg.Server.Workers)
	defer pool.Stop()
	sched.Offload = pool.Submit

	sessions := server.NewSessionStore(sched)

	rows, err := persist.LoadTasks()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading tasks: %v\n", err)
		os.Exit(1)
	}
	sched.RestoreTasks(rows)
	if len(rows) > 0 {
		log.Infof("restored %d suspended tasks", len(rows))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go sched.Run(ctx)

	if interval := cfg.CheckpointInterval(); interval > 0 {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := persist.Checkpoint(world); err != nil {
						log.Errorf("checkpoint failed: %v", err)
					} else {
						log.Info("checkpoint written")
					}
				}
			}
		}()
	}

	runConsole(ctx, sessions, vm.ObjID(*player))
	stop()

	if err := persist.Checkpoint(world); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing checkpoint: %v\n", err)
		os.Exit(1)
	}
	log.Info("checkpoint written")
}

// bootstrapWorld creates the minimal starter world: #0 system, #1 a
// room, #2 a wizard player standing in it.
func bootstrapWorld(w *db.World) {
	sys := w.Create(db.Nothing, 0)
	sys.Wizard = true

	room := w.Create(db.Nothing, 0)
	room.Props["name"] = &db.Property{
		Value: vm.Str("The First Room"), Owner: 0, Readable: true,
	}

	player := w.Create(db.Nothing, 0)
	player.Owner = player.ID
	player.Wizard = true
	player.Programmer = true
	player.Player = true
	player.Location = room.ID
	room.Contents = append(room.Contents, player.ID)
}

// runConsole attaches a local session on stdin/stdout. Returns on EOF
// or @quit.
func runConsole(ctx context.Context, sessions *server.SessionStore, player vm.ObjID) {
	sess := sessions.Connect(player, func(text string) {
		fmt.Println(text)
	})
	defer sessions.Disconnect(sess.ID)

	fmt.Printf("Connected as #%d (type '@quit' to shut down)\n", player)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := scanner.Text()
		if line == "@quit" {
			return
		}
		sessions.Line(sess.ID, line)
	}
}
