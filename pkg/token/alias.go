package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// Alias vocabulary. Aliases are the only patient-facing label the processing
// zone and outbound notifications ever see, so they must be memorable for
// clinicians and carry zero identity signal.
var (
	aliasAdjectives = []string{
		"AMBER", "AZURE", "BRIGHT", "CALM", "CEDAR", "CORAL", "CRIMSON",
		"GENTLE", "GOLDEN", "IVORY", "JADE", "LUNAR", "MAPLE", "NOBLE",
		"OPAL", "POLAR", "QUIET", "RAPID", "SILENT", "SILVER", "SOLAR",
		"STEADY", "SWIFT", "TEAL", "VIOLET", "WINTER",
	}
	aliasAnimals = []string{
		"ALBATROSS", "BADGER", "BISON", "CONDOR", "CRANE", "DOLPHIN",
		"EAGLE", "FALCON", "GAZELLE", "HERON", "IBEX", "JAGUAR", "KESTREL",
		"LYNX", "MARTEN", "NARWHAL", "OSPREY", "OTTER", "PANTHER", "PUFFIN",
		"RAVEN", "SPARROW", "TIGER", "VICUNA", "WALRUS", "WOMBAT",
	}
)

// pickAlias derives a deterministic alias from the patient id. The salted
// HMAC makes the mapping stable per deployment but unguessable without the
// salt; the numeric suffix disambiguates vocabulary collisions.
func pickAlias(salt, patientID string) string {
	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write([]byte(patientID))
	sum := mac.Sum(nil)

	adj := aliasAdjectives[binary.BigEndian.Uint32(sum[0:4])%uint32(len(aliasAdjectives))]
	animal := aliasAnimals[binary.BigEndian.Uint32(sum[4:8])%uint32(len(aliasAnimals))]
	suffix := binary.BigEndian.Uint16(sum[8:10]) % 100

	return fmt.Sprintf("PATIENT_%s_%s_%02d", adj, animal, suffix)
}
