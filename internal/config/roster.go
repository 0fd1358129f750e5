package config

// DefaultRoster returns the crew seeded into the ledger on first boot.
// Only the members the station actually staffs are listed; CP8 through
// CP13 are reserved ids with no standing duty.
func DefaultRoster() []RosterEntry {
	return []RosterEntry{
		{ID: "CP6", DisplayName: "Comms", Emoji: "📡", Duty: "SVF channel stewardship and message digests", Workers: 1},
		{ID: "CP7", DisplayName: "Sentinel", Emoji: "🛡️", Duty: "security review of intents before cosign", Workers: 1},
		{ID: "CP14", DisplayName: "Processor", Emoji: "⚙️", Duty: "lease execution and workspace application", Workers: 2},
		{ID: "CP15", DisplayName: "Foresight", Emoji: "🔭", Duty: "plan orchestration and trend analysis", Workers: 1},
		{ID: "CP16", DisplayName: "Tender", Emoji: "🧰", Duty: "toolkit module upkeep", Workers: 1},
		{ID: "CP17", DisplayName: "Archivist", Emoji: "🗃️", Duty: "workspace curation and run artifacts", Workers: 1},
		{ID: "CP18", DisplayName: "Watch", Emoji: "📈", Duty: "telemetry and governor thresholds", Workers: 1},
		{ID: "CP19", DisplayName: "Chronicler", Emoji: "📝", Duty: "pulse assembly support", Workers: 1},
		{ID: "CP20", DisplayName: "Registrar", Emoji: "📜", Duty: "lease issuance and quorum bookkeeping", Workers: 1},
		{ID: "CBO", DisplayName: "Bridge Overseer", Emoji: "🌉", Duty: "cycle oversight, pulses, integrity audits", Workers: 2},
	}
}
