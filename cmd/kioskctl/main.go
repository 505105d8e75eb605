// Command kioskctl is the operator shell for a running kiosk: it books
// passengers, enrolls faces and applies admin overrides over the kiosk API.
package main

import (
	"bufio"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/atinyakov/gatekiosk/internal/client"
)

var (
	version   string
	buildDate string
)

const help = `Available commands:
  health                  kiosk state, hardware and gallery
  login                   authenticate with the admin PIN
  logout                  forget the admin token
  book                    book a ticket (prompts for details)
  checkin <ticket>        check a ticket in by number
  reset <ticket>          return a checked-in ticket to booked (admin)
  cancel <ticket>         cancel a ticket (admin)
  qr <ticket> [file]      save the boarding QR as PNG
  enroll <id> <photo>     enroll a passenger face (admin)
  delete <id>             delete a passenger and their tickets (admin)
  reload                  rebuild the face gallery (admin)
  watch                   stream kiosk events until Ctrl-C
  exit`

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func readPIN(scanner *bufio.Scanner) string {
	fmt.Print("Admin PIN: ")
	if term.IsTerminal(int(os.Stdin.Fd())) {
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	scanner.Scan()
	return strings.TrimSpace(scanner.Text())
}

func parseID(s string) (int64, bool) {
	id, err := strconv.ParseInt(s, 10, 64)
	return id, err == nil && id > 0
}

// repl runs the interactive shell loop.
func repl(api *client.API) {
	scanner := bufio.NewScanner(os.Stdin)
	ctx := context.Background()

	for {
		fmt.Print("kiosk> ")
		if !scanner.Scan() {
			break
		}
		args := strings.Fields(strings.TrimSpace(scanner.Text()))
		if len(args) == 0 {
			continue
		}
		need := func(n int, usage string) bool {
			if len(args) < n+1 {
				fmt.Println("Usage:", usage)
				return false
			}
			return true
		}

		var err error
		switch args[0] {
		case "help":
			fmt.Println(help)
		case "health":
			var h *client.Health
			if h, err = api.Health(ctx); err == nil {
				printJSON(h)
			}
		case "login":
			if err = api.Login(ctx, readPIN(scanner)); err == nil {
				err = api.Session.Save()
				fmt.Printf("Logged in until %s\n", api.Session.ExpiresAt.Local().Format(time.TimeOnly))
			}
		case "logout":
			err = api.Session.Clear()
		case "book":
			req, perr := client.PromptBooking(scanner, os.Stdout)
			if perr != nil {
				err = perr
				break
			}
			var b *client.Booking
			if b, err = api.Book(ctx, req); err == nil {
				printJSON(b)
			}
		case "checkin":
			if !need(1, "checkin <ticket>") {
				continue
			}
			var out any
			if out, err = api.CheckIn(ctx, args[1]); err == nil {
				printJSON(out)
			}
		case "reset", "cancel":
			if !need(1, args[0]+" <ticket>") {
				continue
			}
			op := api.Reset
			if args[0] == "cancel" {
				op = api.Cancel
			}
			var t any
			if t, err = op(ctx, args[1]); err == nil {
				printJSON(t)
			}
		case "qr":
			if !need(1, "qr <ticket> [file]") {
				continue
			}
			path := strings.ToUpper(args[1]) + ".png"
			if len(args) > 2 {
				path = args[2]
			}
			var png []byte
			if png, err = api.QR(ctx, args[1], 0); err == nil {
				if err = os.WriteFile(path, png, 0o644); err == nil {
					fmt.Println("Saved", path)
				}
			}
		case "enroll":
			if !need(2, "enroll <passenger id> <photo>") {
				continue
			}
			id, ok := parseID(args[1])
			if !ok {
				fmt.Println("Invalid passenger id")
				continue
			}
			var photo []byte
			if photo, err = os.ReadFile(args[2]); err == nil {
				if err = api.Enroll(ctx, id, photo); err == nil {
					fmt.Println("Face enrolled")
				}
			}
		case "delete":
			if !need(1, "delete <passenger id>") {
				continue
			}
			id, ok := parseID(args[1])
			if !ok {
				fmt.Println("Invalid passenger id")
				continue
			}
			if err = api.DeletePassenger(ctx, id); err == nil {
				fmt.Println("Passenger deleted")
			}
		case "reload":
			var g *client.GalleryInfo
			if g, err = api.ReloadGallery(ctx); err == nil {
				fmt.Printf("Gallery generation %d, %d faces\n", g.Generation, g.Size)
			}
		case "watch":
			wctx, stop := signal.NotifyContext(ctx, os.Interrupt)
			err = api.Watch(wctx, func(e client.Event) {
				fmt.Printf("%s %-9s %s\n", e.Time.Local().Format(time.TimeOnly), e.Type, e.Data)
			})
			stop()
		case "exit", "quit":
			fmt.Println("Bye")
			return
		default:
			fmt.Println("Unknown command. Type 'help' for a list of commands.")
			continue
		}
		if err != nil {
			fmt.Println("Error:", err)
		}
	}
}

func defaultSessionPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".kioskctl-session.json"
	}
	return filepath.Join(dir, "kioskctl", "session.json")
}

// main parses flags and runs a single command or the interactive shell.
func main() {
	var (
		baseURL     string
		sessionPath string
		showVer     bool
	)
	pflag.StringVarP(&baseURL, "url", "u", cmp.Or(os.Getenv("KIOSK_URL"), "http://localhost:8080"), "kiosk API base URL")
	pflag.StringVar(&sessionPath, "session", defaultSessionPath(), "file holding the admin token")
	pflag.BoolVarP(&showVer, "version", "v", false, "show build version and date")
	pflag.Parse()

	if showVer {
		fmt.Printf("kioskctl\nVersion: %s\nBuild Date: %s\n", cmp.Or(version, "N/A"), cmp.Or(buildDate, "N/A"))
		return
	}

	session, err := client.LoadSession(sessionPath)
	if err != nil {
		log.Fatalf("load session: %v", err)
	}
	api := client.New(baseURL, session)

	if pflag.NArg() > 0 {
		// One-shot mode: feed the arguments to the shell as a single line.
		os.Stdin = oneShot(strings.Join(pflag.Args(), " "))
	}
	repl(api)
}

func oneShot(line string) *os.File {
	r, w, err := os.Pipe()
	if err != nil {
		log.Fatal(err)
	}
	go func() {
		defer w.Close()
		fmt.Fprintln(w, line)
	}()
	return r
}
