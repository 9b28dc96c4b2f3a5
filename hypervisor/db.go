package hypervisor

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/docker/docker/pkg/namesgenerator"
	"github.com/google/uuid"

	"github.com/projecteru2/openindiana-up/storage"
	"github.com/projecteru2/openindiana-up/types"
)

// minPrefixLen guards against overly broad id-prefix matches.
const minPrefixLen = 3

// maxNameAttempts bounds random name retries before a numeric suffix is used.
const maxNameAttempts = 8

// GenerateID returns a new random record id.
func GenerateID() string { return uuid.NewString() }

// GenerateMAC returns a random, locally administered unicast address in the
// QEMU OUI (52:54:00).
func GenerateMAC() (string, error) {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate MAC: %w", err)
	}
	return net.HardwareAddr{0x52, 0x54, 0x00, b[0], b[1], b[2]}.String(), nil
}

// GenerateName returns a mnemonic name (e.g. "brave-turing") that taken
// reports as unused.
func GenerateName(ctx context.Context, taken func(context.Context, string) (bool, error)) (string, error) {
	for i := 0; i <= maxNameAttempts; i++ {
		retry := 0
		if i == maxNameAttempts {
			retry = 1
		}
		name := strings.ReplaceAll(namesgenerator.GetRandomName(retry), "_", "-")
		used, err := taken(ctx, name)
		if err != nil {
			return "", err
		}
		if !used {
			return name, nil
		}
	}
	return "", errors.New("could not find an unused VM name")
}

// ResolveRef resolves a user-supplied reference to a record.
// Resolution order: exact id -> name -> id prefix (>= 3 chars).
func ResolveRef(ctx context.Context, store storage.Store, ref string) (*types.VM, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("empty reference: %w", ErrNotFound)
	}
	vm, err := store.Lookup(ctx, ref)
	if err == nil {
		return vm, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if len(ref) >= minPrefixLen {
		all, err := store.List(ctx, storage.Filter{})
		if err != nil {
			return nil, err
		}
		var match *types.VM
		for _, candidate := range all {
			if !strings.HasPrefix(candidate.ID, ref) {
				continue
			}
			if match != nil {
				return nil, fmt.Errorf("%w %q: matches %s and %s", ErrAmbiguousRef, ref, match.ID, candidate.ID)
			}
			match = candidate
		}
		if match != nil {
			return match, nil
		}
	}
	return nil, fmt.Errorf("%q: %w", ref, ErrNotFound)
}

// NameTaken reports whether ref already names (or identifies) a record.
func NameTaken(store storage.Store) func(context.Context, string) (bool, error) {
	return func(ctx context.Context, name string) (bool, error) {
		_, err := store.Lookup(ctx, name)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, storage.ErrNotFound):
			return false, nil
		default:
			return false, err
		}
	}
}
