package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/ama-gateway/internal/voice"
	"github.com/gorilla/websocket"
)

const voiceConnectTimeout = 15 * time.Second

// runVoice joins as a participant, sends each line of in as a transcript
// and prints every frame the server sends to out.
func runVoice(ctx context.Context, cfg clientConfig, in io.Reader, out io.Writer) error {
	wsURL, err := voiceURL(cfg.ServerURL)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, voiceConnectTimeout)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket dial failed: %w", err)
	}
	defer conn.Close()

	join := voice.Frame{Type: voice.FrameJoin, Identity: cfg.Identity, Attributes: map[string]string{}}
	if cfg.SessionKey != "" {
		join.Attributes[voice.AttrSessionID] = cfg.SessionKey
		join.Attributes[voice.AttrSMBID] = cfg.SMBKey
	}
	if err := conn.WriteJSON(join); err != nil {
		return fmt.Errorf("send join: %w", err)
	}

	var writeMu sync.Mutex
	readErr := make(chan error, 1)
	go func() {
		readErr <- readFrames(conn, out)
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			writeMu.Lock()
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
			writeMu.Unlock()
			return nil

		case err := <-readErr:
			return err

		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			writeMu.Lock()
			err := conn.WriteJSON(voice.Frame{Type: voice.FrameTranscript, Text: line})
			writeMu.Unlock()
			if err != nil {
				return fmt.Errorf("send transcript: %w", err)
			}
		}
	}
}

// readFrames prints frames until the connection closes or an error frame
// arrives.
func readFrames(conn *websocket.Conn, out io.Writer) error {
	for {
		var f voice.Frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
		fmt.Fprintln(out, formatFrame(f))
		if f.Type == voice.FrameError {
			return errors.New("server rejected participant: " + f.Error)
		}
	}
}

func formatFrame(f voice.Frame) string {
	switch f.Type {
	case voice.FrameSay:
		return "[say] " + f.Text
	case voice.FrameReply:
		return fmt.Sprintf("[reply:%s] %s", f.Role, f.Text)
	case voice.FrameData:
		var compact bytes.Buffer
		if err := json.Compact(&compact, f.Payload); err != nil {
			return fmt.Sprintf("[data:%s] %s", f.Topic, string(f.Payload))
		}
		return fmt.Sprintf("[data:%s] %s", f.Topic, compact.String())
	case voice.FrameError:
		return "[error] " + f.Error
	default:
		return "[" + f.Type + "]"
	}
}
