package identity

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/meshdial/meshdial/internal/fault"
	"github.com/meshdial/meshdial/internal/util"
)

var log = logging.Logger("identity")

// credentialsFile is the on-disk shape of credentials.json.
type credentialsFile struct {
	Credentials []Credential `json:"credentials"`
}

// Credential is one identity the local provider can authenticate.
// TokenHash is a bcrypt hash of the bearer token; the plaintext token is
// never stored.
type Credential struct {
	Identity  string   `json:"identity"`
	TokenHash string   `json:"token_hash"`
	Networks  []string `json:"networks"`
}

// LocalProvider authenticates against a credentials file on disk. The file
// is watched with fsnotify so operators can rotate tokens or adjust network
// membership without a restart.
type LocalProvider struct {
	path    string
	watcher *fsnotify.Watcher

	mu    sync.RWMutex
	creds []Credential
}

// NewLocalProvider loads the credentials file and starts watching it for
// changes. A missing file is allowed (no identities until it appears).
func NewLocalProvider(path string) (*LocalProvider, error) {
	p := &LocalProvider{path: path}
	if err := p.reload(); err != nil {
		log.Warnf("credentials load: %v (starting with none)", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	p.watcher = watcher

	// Watch the directory, not the file: editors replace the file by
	// rename, which would orphan a direct watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	go p.watchLoop()
	return p, nil
}

func (p *LocalProvider) watchLoop() {
	base := filepath.Base(p.path)
	for {
		select {
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				if err := p.reload(); err != nil {
					log.Errorf("credentials reload: %v", err)
				} else {
					log.Infof("credentials reloaded from %s", p.path)
				}
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("credentials watcher: %v", err)
		}
	}
}

func (p *LocalProvider) reload() error {
	var f credentialsFile
	if err := util.ReadJSONFile(p.path, &f); err != nil {
		return err
	}
	p.mu.Lock()
	p.creds = f.Credentials
	p.mu.Unlock()
	return nil
}

// Close stops the file watcher.
func (p *LocalProvider) Close() error {
	if p.watcher != nil {
		return p.watcher.Close()
	}
	return nil
}

// VerifyIdentity compares the credential against every stored bcrypt hash
// and returns the matching identity.
func (p *LocalProvider) VerifyIdentity(_ context.Context, credential string) (string, error) {
	if credential == "" {
		return "", fault.Authf("missing credential")
	}

	p.mu.RLock()
	creds := p.creds
	p.mu.RUnlock()

	for _, c := range creds {
		if bcrypt.CompareHashAndPassword([]byte(c.TokenHash), []byte(credential)) == nil {
			return c.Identity, nil
		}
	}
	return "", fault.Authf("unknown credential")
}

// IsActiveMember checks the identity's configured network list.
func (p *LocalProvider) IsActiveMember(_ context.Context, networkID, ident string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, c := range p.creds {
		if c.Identity != ident {
			continue
		}
		for _, n := range c.Networks {
			if n == networkID {
				return true, nil
			}
		}
	}
	return false, nil
}

// HashToken produces the bcrypt hash stored in credentials.json.
func HashToken(token string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
