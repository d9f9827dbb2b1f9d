package schema

import (
	"time"
)

// Sentinel values for merges that produced no diff, kept verbatim from the
// upstream data contract.
const (
	SubesquemaNoChanges = "No Changes"
	campoNoChanges      = "Ninguno"
	valorNoChanges      = "No cambios"
)

// AuditoriaEntry is one append-only field-change record. One entry is
// written per changed leaf field of a merge.
type AuditoriaEntry struct {
	IDEntrada   string    `json:"id_entrada"`
	Subesquema  string    `json:"subesquema"`
	Campo       string    `json:"campo"`
	OldValue    any       `json:"old_value"`
	NewValue    any       `json:"new_value"`
	FechaEvento time.Time `json:"fecha_evento"`
}

// NewAuditoriaEntry builds a field-change entry stamped with the event time.
func NewAuditoriaEntry(id ID, subesquema, campo string, oldValue, newValue any) AuditoriaEntry {
	return AuditoriaEntry{
		IDEntrada:   id.Render(),
		Subesquema:  subesquema,
		Campo:       campo,
		OldValue:    oldValue,
		NewValue:    newValue,
		FechaEvento: time.Now().UTC(),
	}
}

// NoChangesEntry is the synthetic entry written when a merge produces an
// empty diff.
func NoChangesEntry(id ID) AuditoriaEntry {
	return AuditoriaEntry{
		IDEntrada:   id.Render(),
		Subesquema:  SubesquemaNoChanges,
		Campo:       campoNoChanges,
		OldValue:    valorNoChanges,
		NewValue:    valorNoChanges,
		FechaEvento: time.Now().UTC(),
	}
}

// IsNoChanges reports whether the entry is the no-diff sentinel.
func (e AuditoriaEntry) IsNoChanges() bool {
	return e.Subesquema == SubesquemaNoChanges
}

// AuditoriaEntryIntegracion records one integration attempt, success or
// final failure. Contenido is exactly the body sent to the destination.
type AuditoriaEntryIntegracion struct {
	ID          string         `json:"id"`
	Regla       string         `json:"regla"`
	Contenido   map[string]any `json:"contenido"`
	Success     bool           `json:"success"`
	Response    any            `json:"response"`
	FechaEvento time.Time      `json:"fecha_evento"`
}

// NewAuditoriaEntryIntegracion builds an integration-audit entry stamped
// with the attempt time.
func NewAuditoriaEntryIntegracion(id, regla string, contenido map[string]any, success bool, response any) AuditoriaEntryIntegracion {
	return AuditoriaEntryIntegracion{
		ID:          id,
		Regla:       regla,
		Contenido:   contenido,
		Success:     success,
		Response:    response,
		FechaEvento: time.Now().UTC(),
	}
}
