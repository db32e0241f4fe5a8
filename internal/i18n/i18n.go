// Package i18n turns errors into user-facing text. French is the default.
package i18n

import (
	"errors"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"

	"github.com/and161185/vazy-sync/internal/engine"
	"github.com/and161185/vazy-sync/internal/errs"
	"github.com/and161185/vazy-sync/internal/store"
)

// Message keys.
const (
	KeyNotFound         = "not_found"
	KeyPermissionDenied = "permission_denied"
	KeyConstraint       = "constraint"
	KeyTransient        = "transient"
	KeyValidation       = "validation"
	KeyCapacity         = "capacity"
	KeyInUse            = "in_use"
	KeyUnavailable      = "unavailable"
	KeyNoProfile        = "no_profile"
	KeyUnauthorized     = "unauthorized"
	KeyStoreUnavailable = "store_unavailable"
	KeyQueued           = "queued"
	KeyNotImage         = "not_image"
	KeyTooLarge         = "too_large"
	KeyGeneric          = "generic"
	KeySaved            = "saved"
	KeyDeleted          = "deleted"
	KeySynced           = "synced"
)

var supported = []language.Tag{language.French, language.English}

var messages = map[string][2]string{ // fr, en
	KeyNotFound:         {"Élément introuvable.", "Item not found."},
	KeyPermissionDenied: {"Accès refusé.", "Permission denied."},
	KeyConstraint:       {"Ces données entrent en conflit avec un élément existant.", "This conflicts with existing data."},
	KeyTransient:        {"Connexion au serveur impossible. Vérifiez votre réseau.", "Cannot reach the server. Check your connection."},
	KeyValidation:       {"Certaines informations sont invalides.", "Some information is invalid."},
	KeyCapacity:         {"Limite atteinte : 4 photos maximum.", "Limit reached: 4 photos maximum."},
	KeyInUse: {
		"Cette catégorie est utilisée par %d service(s). Veuillez d'abord réassigner ou supprimer ces services.",
		"This category is used by %d service(s). Reassign or delete those services first.",
	},
	KeyUnavailable:      {"Ce créneau n'est pas disponible.", "This time slot is not available."},
	KeyNoProfile:        {"Créez d'abord votre profil.", "Create your profile first."},
	KeyUnauthorized:     {"Votre session a expiré. Reconnectez-vous.", "Your session has expired. Sign in again."},
	KeyStoreUnavailable: {"Le stockage local est indisponible.", "Local storage is unavailable."},
	KeyQueued:           {"Hors ligne : la modification sera synchronisée automatiquement.", "Offline: the change will sync automatically."},
	KeyNotImage:         {"Le fichier doit être une image.", "The file must be an image."},
	KeyTooLarge:         {"L'image ne doit pas dépasser 5 Mo.", "The image must not exceed 5 MB."},
	KeyGeneric:          {"Une erreur est survenue : %s", "Something went wrong: %s"},
	KeySaved:            {"Modifications enregistrées.", "Changes saved."},
	KeyDeleted:          {"Élément supprimé.", "Item deleted."},
	KeySynced:           {"%d modification(s) synchronisée(s).", "%d change(s) synced."},
}

var cat = func() catalog.Catalog {
	b := catalog.NewBuilder(catalog.Fallback(language.French))
	for key, texts := range messages {
		for i, tag := range supported {
			if err := b.SetString(tag, key, texts[i]); err != nil {
				panic(err)
			}
		}
	}
	return b
}()

var matcher = language.NewMatcher(supported)

// Translator renders messages in one language.
type Translator struct {
	tag     language.Tag
	printer *message.Printer
}

// New picks the best supported language for an Accept-Language style list
// such as "en-GB,en;q=0.8". Anything unparsable yields French.
func New(accept string) *Translator {
	tag := language.French
	if prefs, _, err := language.ParseAcceptLanguage(accept); err == nil && len(prefs) > 0 {
		_, idx, conf := matcher.Match(prefs...)
		if conf != language.No {
			tag = supported[idx]
		}
	}
	return &Translator{tag: tag, printer: message.NewPrinter(tag, message.Catalog(cat))}
}

// Tag returns the chosen language.
func (t *Translator) Tag() language.Tag { return t.tag }

// Text renders key with args.
func (t *Translator) Text(key string, args ...any) string {
	return t.printer.Sprintf(key, args...)
}

// Error renders err. Unknown errors get the generic text with the original message.
func (t *Translator) Error(err error) string {
	if err == nil {
		return ""
	}
	var inUse *store.InUseError
	if errors.As(err, &inUse) {
		return t.Text(KeyInUse, inUse.Count)
	}
	if key := Key(err); key != KeyGeneric {
		return t.Text(key)
	}
	return t.Text(KeyGeneric, err.Error())
}

// Key classifies err into a message key.
func Key(err error) string {
	if engine.IsQueued(err) {
		return KeyQueued
	}
	for _, m := range []struct {
		target error
		key    string
	}{
		{store.ErrNotImage, KeyNotImage},
		{store.ErrTooLarge, KeyTooLarge},
		{errs.ErrInUse, KeyInUse},
		{errs.ErrCapacity, KeyCapacity},
		{errs.ErrUnavailable, KeyUnavailable},
		{errs.ErrNoProfile, KeyNoProfile},
		{errs.ErrUnauthorized, KeyUnauthorized},
		{errs.ErrValidation, KeyValidation},
		{errs.ErrNotFound, KeyNotFound},
		{errs.ErrPermissionDenied, KeyPermissionDenied},
		{errs.ErrConstraint, KeyConstraint},
		{errs.ErrTransient, KeyTransient},
		{errs.ErrStoreUnavailable, KeyStoreUnavailable},
	} {
		if errors.Is(err, m.target) {
			return m.key
		}
	}
	return KeyGeneric
}
