// jobpulse-tail follows one or more jobs' progress from the command line.
// It logs in with a username and password (or takes a raw session token),
// connects to the gateway and prints every progress event as it arrives,
// reconnecting with backoff and replaying anything missed.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/avelops/jobpulse/internal/models"
	"github.com/avelops/jobpulse/internal/wsclient"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "base URL of the jobpulse server")
	username := flag.String("username", "", "username to log in with")
	password := flag.String("password", "", "password to log in with")
	token := flag.String("token", "", "session token (skips the login step)")
	flag.Parse()

	jobIDs := flag.Args()
	if len(jobIDs) == 0 {
		fmt.Fprintln(os.Stderr, "usage: jobpulse-tail [flags] JOB_ID [JOB_ID...]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	sessionToken := *token
	if sessionToken == "" {
		if *username == "" || *password == "" {
			log.Fatal("either -token or -username and -password are required")
		}
		var err error
		sessionToken, err = login(*server, *username, *password)
		if err != nil {
			log.Fatalf("Login failed: %v", err)
		}
	}

	wsURL := strings.Replace(*server, "http", "ws", 1) + "/ws/progress"
	client := wsclient.New(wsclient.Options{
		URL:    wsURL,
		Token:  sessionToken,
		JobIDs: jobIDs,
		OnEvent: func(ev *models.ProgressEvent) {
			line := fmt.Sprintf("[%s] #%d %s %.1f%% (%d/%d)",
				ev.JobID, ev.Sequence, ev.Kind, ev.Percent, ev.Current, ev.Total)
			if ev.Message != "" {
				line += " " + ev.Message
			}
			if ev.ErrorDetail != "" {
				line += " error=" + ev.ErrorDetail
			}
			fmt.Println(line)
		},
		OnStateChange: func(s wsclient.State) {
			log.Printf("connection: %s", s)
		},
		OnError: func(err error) {
			log.Printf("warning: %v", err)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		cancel()
	}()

	err := client.Run(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		// Interrupted by the user.
	case err != nil:
		log.Fatalf("Connection lost for good: %v", err)
	}
}

// login exchanges credentials for a session token over the HTTP API.
func login(server, username, password string) (string, error) {
	payload, _ := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	resp, err := http.Post(server+"/api/users/login", "application/json", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.Token, nil
}
