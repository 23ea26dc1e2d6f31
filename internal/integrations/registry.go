package integrations

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/formrelay/formrelay/internal/apiclient"
	"github.com/formrelay/formrelay/internal/models"
	"github.com/formrelay/formrelay/internal/security"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrUnknownProvider is returned for provider ids that were never registered.
	ErrUnknownProvider = errors.New("integrations: unknown provider")
	errNoCipher        = errors.New("integrations: encryption key not configured")
)

// Factory builds an integration from its decrypted global settings.
type Factory func(settings map[string]string, client *apiclient.Client) (Integration, error)

// Descriptor describes a provider the registry can build.
type Descriptor struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Keys          []string `json:"keys"`           // Known global setting keys.
	SensitiveKeys []string `json:"sensitive_keys"` // Keys encrypted at rest and masked on read.
	New           Factory  `json:"-"`
}

// IsSensitive reports whether key holds a credential.
func (d Descriptor) IsSensitive(key string) bool {
	for _, k := range d.SensitiveKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Registry holds provider descriptors and the integrations built from the
// stored settings. Reload swaps the active set atomically.
type Registry struct {
	db     *gorm.DB
	cipher *security.Cipher
	client *apiclient.Client

	mu          sync.RWMutex
	descriptors map[string]Descriptor
	active      map[string]Integration
}

// NewRegistry builds an empty registry. cipher may be nil when no sensitive
// settings are stored.
func NewRegistry(db *gorm.DB, cipher *security.Cipher, client *apiclient.Client) *Registry {
	if client == nil {
		client = apiclient.New()
	}
	return &Registry{
		db:          db,
		cipher:      cipher,
		client:      client,
		descriptors: make(map[string]Descriptor),
		active:      make(map[string]Integration),
	}
}

// Register adds a descriptor. Later registrations replace earlier ones.
func (r *Registry) Register(d Descriptor) {
	if r == nil || d.ID == "" || d.New == nil {
		return
	}
	r.mu.Lock()
	r.descriptors[d.ID] = d
	r.mu.Unlock()
}

// Descriptors returns every registered descriptor sorted by id.
func (r *Registry) Descriptors() []Descriptor {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Descriptor returns the descriptor of id.
func (r *Registry) Descriptor(id string) (Descriptor, bool) {
	if r == nil {
		return Descriptor{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[id]
	return d, ok
}

// Get returns the active integration of id.
func (r *Registry) Get(id string) (Integration, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.active[id]
	return in, ok
}

// Active returns the active integrations sorted by id.
func (r *Registry) Active() []Integration {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Integration, 0, len(r.active))
	for _, in := range r.active {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Reload rebuilds every integration from the integration_settings table.
// Providers whose settings are incomplete stay inactive.
func (r *Registry) Reload(ctx context.Context) error {
	if r == nil || r.db == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var rows []models.IntegrationSetting
	if errFind := r.db.WithContext(ctx).Order("provider_id ASC, key ASC").Find(&rows).Error; errFind != nil {
		return fmt.Errorf("integrations: load settings: %w", errFind)
	}
	byProvider := make(map[string]map[string]string)
	for _, row := range rows {
		value, errDecrypt := r.decrypt(row)
		if errDecrypt != nil {
			log.WithError(errDecrypt).Warnf("integrations: decrypt %s.%s failed", row.ProviderID, row.Key)
			continue
		}
		if byProvider[row.ProviderID] == nil {
			byProvider[row.ProviderID] = make(map[string]string)
		}
		byProvider[row.ProviderID][row.Key] = value
	}

	next := make(map[string]Integration)
	for _, d := range r.Descriptors() {
		in, errNew := d.New(byProvider[d.ID], r.client)
		if errNew != nil {
			log.WithError(errNew).Debugf("integrations: %s inactive", d.ID)
			continue
		}
		next[d.ID] = in
	}

	r.mu.Lock()
	prev := r.active
	r.active = next
	r.mu.Unlock()
	closeAll(prev)

	ids := make([]string, 0, len(next))
	for id := range next {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	log.Infof("integrations: active providers [%s]", strings.Join(ids, ", "))
	return nil
}

// Close releases resources held by active integrations.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	prev := r.active
	r.active = make(map[string]Integration)
	r.mu.Unlock()
	closeAll(prev)
}

func closeAll(active map[string]Integration) {
	for id, in := range active {
		if closer, ok := in.(io.Closer); ok {
			if errClose := closer.Close(); errClose != nil {
				log.WithError(errClose).Warnf("integrations: close %s", id)
			}
		}
	}
}

// Settings returns the stored settings of provider with sensitive values masked.
func (r *Registry) Settings(ctx context.Context, provider string) (map[string]string, error) {
	d, ok := r.Descriptor(provider)
	if !ok {
		return nil, ErrUnknownProvider
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var rows []models.IntegrationSetting
	if errFind := r.db.WithContext(ctx).Where("provider_id = ?", provider).Find(&rows).Error; errFind != nil {
		return nil, errFind
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		if row.Sensitive || d.IsSensitive(row.Key) {
			plain, errDecrypt := r.decrypt(row)
			if errDecrypt != nil {
				out[row.Key] = strings.Repeat("*", 8)
				continue
			}
			out[row.Key] = security.Mask(plain)
			continue
		}
		out[row.Key] = row.Value
	}
	return out, nil
}

// SetSettings upserts provider settings, encrypting sensitive keys, then reloads.
// Empty values delete the key.
func (r *Registry) SetSettings(ctx context.Context, provider string, values map[string]string) error {
	d, ok := r.Descriptor(provider)
	if !ok {
		return ErrUnknownProvider
	}
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now().UTC()
	errTx := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for key, value := range values {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			value = strings.TrimSpace(value)
			if value == "" {
				if errDelete := tx.Where("provider_id = ? AND key = ?", provider, key).Delete(&models.IntegrationSetting{}).Error; errDelete != nil {
					return errDelete
				}
				continue
			}
			sensitive := d.IsSensitive(key)
			if sensitive {
				if r.cipher == nil {
					return errNoCipher
				}
				encrypted, errEncrypt := r.cipher.Encrypt(value)
				if errEncrypt != nil {
					return errEncrypt
				}
				value = encrypted
			}
			row := models.IntegrationSetting{ProviderID: provider, Key: key, Value: value, Sensitive: sensitive, UpdatedAt: now}
			errUpsert := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "provider_id"}, {Name: "key"}},
				DoUpdates: clause.AssignmentColumns([]string{"value", "sensitive", "updated_at"}),
			}).Create(&row).Error
			if errUpsert != nil {
				return errUpsert
			}
		}
		return nil
	})
	if errTx != nil {
		return fmt.Errorf("integrations: save settings: %w", errTx)
	}
	return r.Reload(ctx)
}

func (r *Registry) decrypt(row models.IntegrationSetting) (string, error) {
	if !row.Sensitive && !security.IsEncrypted(row.Value) {
		return row.Value, nil
	}
	if r.cipher == nil {
		return "", errNoCipher
	}
	return r.cipher.Decrypt(row.Value)
}

// Builtin returns the descriptors of the bundled providers.
func Builtin() []Descriptor {
	return []Descriptor{
		mailchimpDescriptor(),
		hubspotDescriptor(),
		webhookDescriptor(),
		kafkaDescriptor(),
	}
}
