package i18n

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/and161185/vazy-sync/internal/engine"
	"github.com/and161185/vazy-sync/internal/errs"
	"github.com/and161185/vazy-sync/internal/remote"
	"github.com/and161185/vazy-sync/internal/retry"
	"github.com/and161185/vazy-sync/internal/store"
)

func TestNew_NegotiatesLanguage(t *testing.T) {
	tests := []struct {
		accept string
		want   language.Tag
	}{
		{"", language.French},
		{"fr-FR", language.French},
		{"en-GB,en;q=0.8", language.English},
		{"de-DE", language.French},
		{";;;", language.French},
	}
	for _, tt := range tests {
		t.Run(tt.accept, func(t *testing.T) {
			require.Equal(t, tt.want, New(tt.accept).Tag())
		})
	}
}

func TestError_InUseCarriesCount(t *testing.T) {
	err := fmt.Errorf("delete: %w", &store.InUseError{Name: "Flash", Count: 3})

	require.Equal(t,
		"Cette catégorie est utilisée par 3 service(s). Veuillez d'abord réassigner ou supprimer ces services.",
		New("fr").Error(err))
	require.Equal(t,
		"This category is used by 3 service(s). Reassign or delete those services first.",
		New("en").Error(err))
}

func TestError_Sentinels(t *testing.T) {
	fr := New("fr")
	require.Equal(t, "Élément introuvable.", fr.Error(remote.Errorf(remote.CodeNotFound, nil, "PGRST116")))
	require.Equal(t, "Limite atteinte : 4 photos maximum.", fr.Error(fmt.Errorf("x: %w", errs.ErrCapacity)))
	require.Equal(t, "Le fichier doit être une image.", fr.Error(store.ErrNotImage))
	require.Equal(t, "Certaines informations sont invalides.", fr.Error(errs.ErrValidation))
	require.Equal(t, "Ce créneau n'est pas disponible.", fr.Error(errs.ErrUnavailable))

	en := New("en")
	require.Equal(t, "Cannot reach the server. Check your connection.",
		en.Error(remote.Errorf(remote.CodeTransient, context.DeadlineExceeded, "timeout")))
	require.Equal(t, "", en.Error(nil))
}

func TestError_QueuedWinsOverCause(t *testing.T) {
	err := &engine.QueuedError{Entry: retry.Entry{ID: 7}, Err: remote.Errorf(remote.CodeTransient, nil, "timeout")}
	require.Equal(t, KeyQueued, Key(err))
	require.Equal(t, "Offline: the change will sync automatically.", New("en").Error(err))
}

func TestError_UnknownKeepsOriginalText(t *testing.T) {
	err := errors.New("disk on fire")
	require.Equal(t, "Une erreur est survenue : disk on fire", New("fr").Error(err))
	require.Equal(t, "Something went wrong: disk on fire", New("en").Error(err))
}

func TestText(t *testing.T) {
	require.Equal(t, "2 change(s) synced.", New("en").Text(KeySynced, 2))
	require.Equal(t, "Modifications enregistrées.", New("fr").Text(KeySaved))
}
