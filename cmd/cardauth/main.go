// cardauth is a development tool for exercising the card auth stack
// without a UI: it drives either a real PC/SC reader or a file-backed
// simulated card, and prints the resulting auth status.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/votingworks/cacvote-sub000/auth"
	"github.com/votingworks/cacvote-sub000/certs"
	"github.com/votingworks/cacvote-sub000/identity"
	"github.com/votingworks/cacvote-sub000/vxcard"
)

const usage = `usage: cardauth [flags] <command>

commands:
  status                    print the card and auth status once
  watch                     poll and print auth status transitions
  check-pin <pin>           submit a PIN
  logout                    end the active session
  program <role> [<pin>]    write an identity to the card (dipped only)
  unprogram                 clear the card's identity (dipped only)

simulated-card commands (file backend only):
  insert <role> [<pin>]     put a card in the simulated reader
  remove                    pull the simulated card
  detach                    unplug the simulated reader
  wipe                      reset the simulated card file

roles: system-administrator, election-manager, poll-worker
`

func main() {
	pflag.SetInterspersed(false)
	cardPath := pflag.String("card", "file:cardauth.db", "Card backend (file:<path> or scard:<reader>)")
	variant := pflag.String("variant", "inserted", "Auth variant (inserted or dipped)")
	jurisdiction := pflag.String("jurisdiction", "st.dev", "Machine jurisdiction")
	electionHash := pflag.String("election-hash", "", "Configured election hash")
	pollWorkerPins := pflag.Bool("poll-worker-pins", false, "Require PINs on poll worker cards")
	certPath := pflag.String("cert", "", "PEM certificate to write when programming")
	pflag.Parse()

	args := pflag.Args()
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	c, err := openCard(*cardPath)
	if err != nil {
		fatal(errors.Wrap(err, "Opening card backend"))
	}
	if closer, ok := c.(io.Closer); ok {
		defer closer.Close()
	}

	ms := auth.DefaultMachineState()
	ms.Jurisdiction = *jurisdiction
	ms.ElectionHash = *electionHash
	ms.ArePollWorkerCardPinsEnabled = *pollWorkerPins

	logger := auth.SlogLogger{L: slog.New(slog.NewTextHandler(os.Stderr, nil))}

	var api authAPI
	var dipped *auth.DippedAuth
	switch *variant {
	case "dipped":
		dipped = auth.NewDippedAuth(c, logger)
		api = dipped
	case "inserted":
		api = auth.NewInsertedAuth(c, logger)
	default:
		fatal(errors.Errorf("unknown variant %q", *variant))
	}

	switch args[0] {
	case "status":
		fmt.Println("card:", describeCard(c.Status()))
		fmt.Println("auth:", describeAuth(api.GetAuthStatus(ms)))

	case "watch":
		watch(api, ms)

	case "check-pin":
		if len(args) != 2 {
			fatal(errors.New("check-pin takes exactly one argument"))
		}
		fmt.Println(describeAuth(api.CheckPin(ms, args[1])))

	case "logout":
		fmt.Println(describeAuth(api.LogOut(ms)))

	case "program":
		if dipped == nil {
			fatal(errors.New("program requires --variant dipped"))
		}
		if len(args) < 2 {
			fatal(errors.New("program takes a role and an optional PIN"))
		}
		user, err := userForRole(args[1], *jurisdiction, *electionHash, *pollWorkerPins)
		if err != nil {
			fatal(err)
		}
		req := vxcard.ProgramRequest{User: user}
		if len(args) > 2 {
			req.Pin = args[2]
		}
		if *certPath != "" {
			req.CertificateDER, err = loadCertificate(*certPath)
			if err != nil {
				fatal(err)
			}
		}
		pin, err := dipped.ProgramCard(ms, req)
		if err != nil {
			fatal(errors.Wrap(err, "Programming card"))
		}
		if pin == "" {
			fmt.Println("programmed (no PIN)")
		} else {
			fmt.Println("programmed, PIN:", color.CyanString(pin))
		}

	case "unprogram":
		if dipped == nil {
			fatal(errors.New("unprogram requires --variant dipped"))
		}
		if err := dipped.UnprogramCard(ms); err != nil {
			fatal(errors.Wrap(err, "Unprogramming card"))
		}
		fmt.Println("unprogrammed")

	case "insert", "remove", "detach", "wipe":
		fc, ok := c.(*vxcard.FileCard)
		if !ok {
			fatal(errors.Errorf("%s only works against a file: backend", args[0]))
		}
		if err := simulate(fc, args, *jurisdiction, *electionHash, *pollWorkerPins); err != nil {
			fatal(err)
		}
		fmt.Println("card:", describeCard(fc.Status()))

	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

// authAPI is the surface shared by both auth variants
type authAPI interface {
	GetAuthStatus(ms auth.MachineState) auth.AuthStatus
	CheckPin(ms auth.MachineState, pin string) auth.AuthStatus
	LogOut(ms auth.MachineState) auth.AuthStatus
}

func openCard(path string) (vxcard.Card, error) {
	scheme, rest, found := strings.Cut(path, ":")
	if !found {
		scheme, rest = "file", path
	}
	switch scheme {
	case "file":
		return vxcard.NewFileCard(rest)
	case "scard":
		return vxcard.NewPIVCard(rest)
	default:
		return nil, errors.Errorf("unknown card backend %q", scheme)
	}
}

func watch(api authAPI, ms auth.MachineState) {
	last := ""
	for {
		if s := describeAuth(api.GetAuthStatus(ms)); s != last {
			fmt.Printf("%s %s\n", time.Now().Format("15:04:05"), s)
			last = s
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func simulate(fc *vxcard.FileCard, args []string, jurisdiction, electionHash string, pollWorkerPins bool) error {
	switch args[0] {
	case "insert":
		if len(args) < 2 {
			return errors.New("insert takes a role and an optional PIN")
		}
		user, err := userForRole(args[1], jurisdiction, electionHash, pollWorkerPins)
		if err != nil {
			return err
		}
		pin := vxcard.DefaultPin
		if len(args) > 2 {
			pin = args[2]
		}
		return fc.Mutate(func(s *vxcard.Snapshot) error {
			s.Status = vxcard.SnapshotReady
			s.User = vxcard.FlattenUser(user)
			s.Pin = pin
			s.IncorrectAttempts = 0
			return nil
		})

	case "remove":
		return fc.Mutate(func(s *vxcard.Snapshot) error {
			s.Status = vxcard.SnapshotNoCard
			return nil
		})

	case "detach":
		return fc.Mutate(func(s *vxcard.Snapshot) error {
			s.Status = vxcard.SnapshotNoCardReader
			return nil
		})

	default: // wipe
		return fc.Mutate(func(s *vxcard.Snapshot) error {
			*s = vxcard.NewSnapshot()
			return nil
		})
	}
}

func userForRole(role, jurisdiction, electionHash string, hasPin bool) (identity.User, error) {
	switch role {
	case "system-administrator":
		return identity.SystemAdministratorUser{Jurisdiction: jurisdiction}, nil
	case "election-manager":
		return identity.ElectionManagerUser{
			Jurisdiction: jurisdiction,
			ElectionHash: electionHash,
		}, nil
	case "poll-worker":
		return identity.PollWorkerUser{
			Jurisdiction: jurisdiction,
			ElectionHash: electionHash,
			HasPin:       hasPin,
		}, nil
	default:
		return nil, errors.Errorf("unknown role %q", role)
	}
}

func loadCertificate(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "Reading certificate")
	}
	cert, err := certs.ParsePEM(data)
	if err != nil {
		return nil, err
	}
	return cert.Raw, nil
}

func describeCard(cs vxcard.CardStatus) string {
	switch cs := cs.(type) {
	case vxcard.NoCardReader:
		return color.RedString("no card reader")
	case vxcard.NoCard:
		return color.YellowString("no card")
	case vxcard.CardError:
		return color.RedString("card error")
	case vxcard.Ready:
		if cs.Details == nil {
			return color.GreenString("ready") + " (no identity)"
		}
		return fmt.Sprintf("%s %s (%d incorrect attempts)",
			color.GreenString("ready"),
			cs.Details.User.Role(),
			cs.Details.NumIncorrectPinAttempts)
	default:
		return color.RedString("unknown error")
	}
}

func describeAuth(status auth.AuthStatus) string {
	switch status := status.(type) {
	case auth.LoggedOut:
		s := color.YellowString("logged_out") + " reason=" + string(status.Reason)
		if status.CardUserRole != "" {
			s += " card_role=" + string(status.CardUserRole)
		}
		return s
	case auth.CheckingPin:
		s := color.CyanString("checking_pin") + " user=" + string(status.User.Role())
		if !status.LockedOutUntil.IsZero() {
			s += " locked_out_until=" + status.LockedOutUntil.Format(time.RFC3339)
		}
		if status.Error {
			s += " error=true"
		}
		return s
	case auth.RemoveCard:
		return color.CyanString("remove_card") + " user=" + string(status.User.Role())
	case auth.LoggedIn:
		s := color.GreenString("logged_in") + " user=" + string(status.User.Role()) +
			" expires=" + status.SessionExpiresAt.Format(time.RFC3339)
		if status.CardlessVoter != nil {
			s += " cardless_voter=" + status.CardlessVoter.BallotStyleID +
				"/" + status.CardlessVoter.PrecinctID
		}
		if status.ProgrammableCard != nil {
			s += " programmable_card"
		}
		return s
	default:
		return "unknown"
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
	os.Exit(1)
}
