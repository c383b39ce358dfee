package dialog

// TriageLevel orders the medical screening outcomes.
type TriageLevel int

const (
	TriageNone TriageLevel = iota
	TriageCaution
	TriageEmergency
)

// Red-flag categories. Audit records the category, never the utterance.
const (
	CategoryCardioRespiratory = "cardio_respiratoire"
	CategoryNeurological      = "neurologique"
	CategoryHemorrhageTrauma  = "hemorragie_trauma"
	CategoryPediatricAirway   = "pediatrie_voies_aeriennes"
	CategoryPsychiatricCrisis = "crise_psychiatrique"
)

// TriageResult is the outcome of screening one utterance.
type TriageResult struct {
	Level    TriageLevel
	Category string
}

var redFlags = []struct {
	category string
	markers  []string
}{
	{CategoryCardioRespiratory, []string{
		"douleur thoracique", "douleur à la poitrine", "douleur a la poitrine",
		"oppression dans la poitrine", "mal au cœur", "mal au coeur",
		"difficulté à respirer", "difficulte a respirer", "n'arrive plus à respirer",
		"n'arrive plus a respirer", "je m'étouffe", "je m'etouffe", "essoufflé au repos",
		"essouffle au repos",
	}},
	{CategoryNeurological, []string{
		"avc", "paralysé", "paralyse", "ne sens plus mon bras", "ne sens plus ma jambe",
		"visage paralysé", "visage paralyse", "convulsion", "perte de connaissance",
		"perdu connaissance", "n'arrive plus à parler", "n'arrive plus a parler",
		"trouble de la parole", "violent mal de tête soudain", "violent mal de tete soudain",
	}},
	{CategoryHemorrhageTrauma, []string{
		"saigne beaucoup", "saignement abondant", "hémorragie", "hemorragie",
		"fracture ouverte", "plaie profonde", "accident grave", "vomis du sang",
	}},
	{CategoryPediatricAirway, []string{
		"bébé ne respire", "bebe ne respire", "mon enfant s'étouffe", "mon enfant s'etouffe",
		"enfant a avalé", "enfant a avale", "bébé bleu", "bebe bleu",
	}},
	{CategoryPsychiatricCrisis, []string{
		"suicide", "me suicider", "envie de mourir", "mettre fin à mes jours",
		"mettre fin a mes jours", "me faire du mal",
	}},
}

// cautionMarkers are worth an acknowledgment but never interrupt the
// booking flow.
var cautionMarkers = []string{
	"fièvre", "fievre", "douleur", "mal de tête", "mal de tete", "migraine",
	"toux", "mal de gorge", "mal au dos", "mal au ventre", "vertige",
	"fatigue intense", "palpitations",
}

// Triage screens an utterance for red-flag symptoms. Red flags return
// TriageEmergency with the matched category; caution symptoms return
// TriageCaution with no category.
func Triage(text string) TriageResult {
	t := normalizeText(text)
	if t == "" {
		return TriageResult{Level: TriageNone}
	}
	for _, rf := range redFlags {
		if containsAny(t, rf.markers) {
			return TriageResult{Level: TriageEmergency, Category: rf.category}
		}
	}
	if containsAny(t, cautionMarkers) {
		return TriageResult{Level: TriageCaution}
	}
	return TriageResult{Level: TriageNone}
}
