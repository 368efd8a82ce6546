// Package mailbox retrieves calendar candidates from IMAP folders.
package mailbox

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
)

var (
	// ErrConnectionFailed indicates the IMAP server could not be reached.
	ErrConnectionFailed = errors.New("imap connection failed")
	// ErrAuthFailed indicates invalid credentials.
	ErrAuthFailed = errors.New("imap authentication failed")
	// ErrInvalidSettings indicates an unusable account settings blob.
	ErrInvalidSettings = errors.New("invalid imap settings")
)

// defaultTimeout bounds dial and per-command socket waits.
const defaultTimeout = 180 * time.Second

// calendarLinkPattern matches download links to iCalendar resources in
// message bodies.
var calendarLinkPattern = regexp.MustCompile(`https?://\S+(?:/download/ics|\.ics\b)`)

// Settings holds decrypted IMAP connection parameters.
type Settings struct {
	Host     string
	Port     int
	Username string
	Password string
	UseSSL   bool
}

// SettingsFromMap builds connection settings from a decrypted account
// settings blob. Port and TLS keep the IMAPS defaults when absent; numbers
// arrive as float64 after the JSON round-trip through the store.
func SettingsFromMap(values map[string]any) (Settings, error) {
	settings := Settings{Port: 993, UseSSL: true}

	host, _ := values["host"].(string)
	if strings.TrimSpace(host) == "" {
		return Settings{}, fmt.Errorf("%w: host is required", ErrInvalidSettings)
	}
	settings.Host = host

	switch port := values["port"].(type) {
	case float64:
		settings.Port = int(port)
	case int:
		settings.Port = port
	}
	settings.Username, _ = values["username"].(string)
	settings.Password, _ = values["password"].(string)
	if useSSL, ok := values["use_ssl"].(bool); ok {
		settings.UseSSL = useSSL
	}
	return settings, nil
}

// FolderSelection names a folder to scan, optionally including its subfolders.
type FolderSelection struct {
	Name              string
	IncludeSubfolders bool
}

// Attachment is a calendar MIME part extracted from a message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Candidate is a message that carries calendar content, either as attached
// iCalendar parts or as download links in its text body.
type Candidate struct {
	MessageID   string
	Subject     string
	Sender      string
	Folder      string
	Attachments []Attachment
	Links       []string
}

// Fetcher retrieves calendar candidates from IMAP mailboxes. Each fetch opens
// its own connection and releases it before returning.
type Fetcher struct {
	timeout time.Duration
}

// NewFetcher creates a fetcher with the given socket timeout. Non-positive
// values fall back to the default of 180 seconds.
func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Fetcher{timeout: timeout}
}

// TestConnection verifies that the server accepts the given credentials.
func (f *Fetcher) TestConnection(ctx context.Context, settings Settings) error {
	client, err := f.connect(ctx, settings)
	if err != nil {
		return err
	}
	logoutQuietly(client)
	return nil
}

// ListFolders returns the names of all folders visible to the account.
func (f *Fetcher) ListFolders(ctx context.Context, settings Settings) ([]string, error) {
	client, err := f.connect(ctx, settings)
	if err != nil {
		return nil, err
	}
	defer logoutQuietly(client)

	available, err := listFolders(client)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(available))
	for _, folder := range available {
		names = append(names, folder.name)
	}
	return names, nil
}

// FetchCandidates scans the selected folders and returns every message that
// carries calendar content. Messages without calendar parts or links are
// counted for progress but not returned. The progress callback, if non-nil,
// receives cumulative processed and total counts; the total grows as folders
// are opened.
func (f *Fetcher) FetchCandidates(ctx context.Context, settings Settings, selections []FolderSelection, progress func(done, total int)) ([]Candidate, error) {
	if len(selections) == 0 {
		return nil, nil
	}

	client, err := f.connect(ctx, settings)
	if err != nil {
		return nil, err
	}
	defer logoutQuietly(client)

	available, err := listFolders(client)
	if err != nil {
		return nil, err
	}

	var (
		candidates  []Candidate
		done, total int
	)
	for _, folder := range expandFolders(selections, available) {
		if err := ctx.Err(); err != nil {
			return candidates, err
		}
		log.Printf("Scanning IMAP folder %s", folder)

		if _, err := client.Select(folder, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
			log.Printf("Konnte IMAP Ordner %s nicht öffnen: %v", folder, err)
			continue
		}
		uids, err := searchAllUIDs(ctx, client)
		if err != nil {
			if ctx.Err() != nil {
				return candidates, ctx.Err()
			}
			log.Printf("IMAP Suche in Ordner %s fehlgeschlagen: %v", folder, err)
			continue
		}
		if len(uids) == 0 {
			continue
		}

		total += len(uids)
		if progress != nil {
			progress(done, total)
		}

		found := fetchFolderCandidates(ctx, client, folder, uids, func() {
			done++
			if progress != nil {
				progress(done, total)
			}
		})
		candidates = append(candidates, found...)
	}
	return candidates, nil
}

// connect dials the server, upgrades to TLS when requested and authenticates.
func (f *Fetcher) connect(ctx context.Context, settings Settings) (*imapclient.Client, error) {
	host := strings.TrimSpace(settings.Host)
	if host == "" {
		return nil, fmt.Errorf("%w: host is required", ErrConnectionFailed)
	}
	port := settings.Port
	if port == 0 {
		if settings.UseSSL {
			port = 993
		} else {
			port = 143
		}
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	dialer := &net.Dialer{Timeout: f.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrConnectionFailed, addr, err)
	}
	conn = &deadlineConn{Conn: conn, timeout: f.timeout}

	if settings.UseSSL {
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName: host,
			MinVersion: tls.VersionTLS12,
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close() //nolint:errcheck // connection is already broken
			return nil, fmt.Errorf("%w: tls handshake with %s: %w", ErrConnectionFailed, addr, err)
		}
		conn = tlsConn
	}

	client := imapclient.New(conn, &imapclient.Options{
		WordDecoder: &mime.WordDecoder{CharsetReader: charset.Reader},
	})
	if err := client.Login(settings.Username, settings.Password).Wait(); err != nil {
		// Some servers disable LOGIN and only advertise AUTH=PLAIN.
		if authErr := client.Authenticate(sasl.NewPlainClient("", settings.Username, settings.Password)); authErr != nil {
			client.Close() //nolint:errcheck // best effort cleanup
			return nil, fmt.Errorf("%w: login as %s: %w", ErrAuthFailed, settings.Username, err)
		}
	}
	return client, nil
}

// listedFolder is a folder reported by the server together with its
// hierarchy delimiter.
type listedFolder struct {
	name  string
	delim string
}

func listFolders(client *imapclient.Client) ([]listedFolder, error) {
	listData, err := client.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("%w: list folders: %w", ErrConnectionFailed, err)
	}
	available := make([]listedFolder, 0, len(listData))
	for _, entry := range listData {
		delim := "/"
		if entry.Delim != 0 {
			delim = string(entry.Delim)
		}
		available = append(available, listedFolder{name: entry.Mailbox, delim: delim})
	}
	return available, nil
}

// expandFolders resolves folder selections into a concrete scan list. The
// selected folder itself always comes first; subfolders follow in server
// order when requested, matched by the hierarchy delimiter prefix.
func expandFolders(selections []FolderSelection, available []listedFolder) []string {
	availableNames := make(map[string]struct{}, len(available))
	for _, folder := range available {
		availableNames[folder.name] = struct{}{}
	}

	seen := make(map[string]struct{})
	var resolved []string
	for _, selection := range selections {
		base := selection.Name
		if _, ok := seen[base]; !ok {
			resolved = append(resolved, base)
			seen[base] = struct{}{}
		}
		if !selection.IncludeSubfolders {
			continue
		}
		matched := false
		for _, folder := range available {
			if folder.name == base {
				matched = true
				continue
			}
			if !strings.HasPrefix(folder.name, base+folder.delim) {
				continue
			}
			matched = true
			if _, ok := seen[folder.name]; !ok {
				resolved = append(resolved, folder.name)
				seen[folder.name] = struct{}{}
			}
		}
		if !matched {
			if _, ok := availableNames[base]; !ok {
				log.Printf("IMAP Ordner %s wurde nicht gefunden", base)
			}
		}
	}
	return resolved
}

// searchAllUIDs runs UID SEARCH ALL on the selected folder. Wait blocks
// until the server answers, so it runs in a goroutine to honor cancellation.
func searchAllUIDs(ctx context.Context, client *imapclient.Client) ([]imap.UID, error) {
	searchCmd := client.UIDSearch(&imap.SearchCriteria{}, nil)

	type searchResult struct {
		data *imap.SearchData
		err  error
	}
	resultCh := make(chan searchResult, 1)
	go func() {
		data, err := searchCmd.Wait()
		resultCh <- searchResult{data, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-resultCh:
		if result.err != nil {
			return nil, result.err
		}
		return result.data.AllUIDs(), nil
	}
}

// fetchFolderCandidates fetches the given UIDs with peek and extracts
// calendar content from each message. The advance callback fires once per
// processed message.
func fetchFolderCandidates(ctx context.Context, client *imapclient.Client, folder string, uids []imap.UID, advance func()) []Candidate {
	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(uid)
	}
	fetchOptions := &imap.FetchOptions{
		UID:      true,
		Envelope: true,
		BodySection: []*imap.FetchItemBodySection{
			{Peek: true},
		},
	}
	fetchCmd := client.Fetch(uidSet, fetchOptions)

	var candidates []Candidate
	for {
		if ctx.Err() != nil {
			break
		}
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		var (
			uid      imap.UID
			envelope *imap.Envelope
			raw      []byte
		)
		for {
			item := msg.Next()
			if item == nil {
				break
			}
			switch data := item.(type) {
			case imapclient.FetchItemDataUID:
				uid = data.UID
			case imapclient.FetchItemDataEnvelope:
				envelope = data.Envelope
			case imapclient.FetchItemDataBodySection:
				if data.Literal == nil {
					continue
				}
				body, err := io.ReadAll(data.Literal)
				if err != nil {
					log.Printf("Nachricht in %s konnte nicht gelesen werden: %v", folder, err)
					continue
				}
				raw = body
			}
		}

		advance()
		if len(raw) == 0 {
			continue
		}
		if candidate := buildCandidate(folder, uid, envelope, raw); candidate != nil {
			candidates = append(candidates, *candidate)
		}
	}
	if err := fetchCmd.Close(); err != nil {
		log.Printf("IMAP Abruf in Ordner %s unvollständig: %v", folder, err)
	}
	return candidates
}

// buildCandidate assembles a candidate from a fetched message, or nil when
// the message carries no calendar content.
func buildCandidate(folder string, uid imap.UID, envelope *imap.Envelope, raw []byte) *Candidate {
	candidate := &Candidate{
		MessageID: strconv.FormatUint(uint64(uid), 10),
		Subject:   "(no subject)",
		Sender:    "unknown",
		Folder:    folder,
	}
	if envelope != nil {
		if envelope.Subject != "" {
			candidate.Subject = envelope.Subject
		}
		if len(envelope.From) > 0 {
			candidate.Sender = envelope.From[0].Addr()
		}
	}

	attachments, links, err := extractCalendarContent(raw)
	if err != nil {
		log.Printf("Nachricht %s in %s konnte nicht geparst werden: %v", candidate.MessageID, folder, err)
		return nil
	}
	if len(attachments) == 0 && len(links) == 0 {
		return nil
	}
	candidate.Attachments = attachments
	candidate.Links = links
	return candidate
}

// isCalendarPart reports whether a MIME part carries iCalendar data, judged
// by content type or filename suffix.
func isCalendarPart(contentType, filename string) bool {
	switch strings.ToLower(contentType) {
	case "text/calendar", "text/x-vcalendar":
		return true
	}
	name := strings.ToLower(filename)
	return strings.HasSuffix(name, ".ics") || strings.HasSuffix(name, ".vcs")
}

// extractCalendarContent walks the MIME tree of a raw message and collects
// calendar attachments plus calendar download links found in text bodies.
func extractCalendarContent(raw []byte) ([]Attachment, []string, error) {
	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		if reader == nil || !message.IsUnknownCharset(err) {
			return nil, nil, fmt.Errorf("parse message: %w", err)
		}
		// Unknown charsets still yield walkable parts with raw bytes.
	}

	var (
		attachments []Attachment
		links       []string
	)
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return attachments, links, fmt.Errorf("read message part: %w", err)
		}

		switch header := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, typeErr := header.ContentType()
			if typeErr != nil {
				continue
			}
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			if isCalendarPart(contentType, "") {
				attachments = append(attachments, Attachment{
					Filename:    "calendar.ics",
					ContentType: contentType,
					Content:     body,
				})
			} else if strings.HasPrefix(contentType, "text/") {
				links = append(links, calendarLinkPattern.FindAllString(string(body), -1)...)
			}
		case *mail.AttachmentHeader:
			filename, _ := header.Filename()
			contentType, _, typeErr := header.ContentType()
			if typeErr != nil {
				contentType = ""
			}
			if !isCalendarPart(contentType, filename) {
				continue
			}
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			if filename == "" {
				filename = "calendar.ics"
			}
			attachments = append(attachments, Attachment{
				Filename:    filename,
				ContentType: contentType,
				Content:     body,
			})
		}
	}
	return attachments, links, nil
}

func logoutQuietly(client *imapclient.Client) {
	if err := client.Logout().Wait(); err != nil {
		client.Close() //nolint:errcheck // best effort cleanup
	}
}

// deadlineConn refreshes the socket deadline before every read and write so
// a stalled server cannot hang a scan indefinitely.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(b)
}
