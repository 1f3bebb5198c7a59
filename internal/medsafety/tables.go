package medsafety

import (
	"sort"

	"github.com/carebridge/triage/internal/domain"
)

// ddiRule is one drug-drug interaction row. Pairs are keyed by canonical
// (normalized) drug names, order-independent.
type ddiRule struct {
	a, b     string
	severity string
	message  string
}

// ddiRules is an abbreviated interaction table. A full deployment would sync
// this from a national formulary feed.
var ddiRules = []ddiRule{
	{"warfarin", "aspirin", domain.SeveritySevere,
		"Warfarin + Aspirin: Additive bleeding risk. Monitor INR closely."},
	{"warfarin", "ibuprofen", domain.SeveritySevere,
		"Warfarin + Ibuprofen: Significantly increased bleeding. Avoid NSAIDs."},
	{"warfarin", "cotrimoxazole", domain.SeveritySevere,
		"Warfarin + Cotrimoxazole: Potentiates anticoagulation. Reduce warfarin dose."},
	{"metformin", "contrast dye", domain.SeveritySevere,
		"Metformin + Contrast: Hold metformin 48h before/after contrast. Lactic acidosis risk."},
	{"glibenclamide", "fluconazole", domain.SeveritySevere,
		"Glibenclamide + Fluconazole: Severe hypoglycaemia risk. Reduce glibenclamide dose."},
	{"metronidazole", "alcohol", domain.SeveritySevere,
		"Metronidazole + Alcohol: Disulfiram-like reaction. Counsel patient strictly."},
	{"clarithromycin", "carbamazepine", domain.SeveritySevere,
		"Clarithromycin + Carbamazepine: Toxic carbamazepine levels. Use azithromycin instead."},
	{"diazepam", "morphine", domain.SeveritySevere,
		"Benzodiazepine + Opioid: Respiratory depression risk. Avoid combination."},
	{"misoprostol", "oxytocin", domain.SeverityContraindicated,
		"Misoprostol + Oxytocin: ABSOLUTELY CONTRAINDICATED. Risk of uterine rupture."},
	{"lisinopril", "potassium", domain.SeverityModerate,
		"ACE inhibitor + Potassium supplement: Hyperkalemia risk. Monitor electrolytes."},
	{"amlodipine", "simvastatin", domain.SeverityModerate,
		"Amlodipine + Simvastatin: Elevated statin levels. Limit simvastatin to 20mg."},
}

// conditionRule gates a drug class against a vulnerability flag.
type conditionRule struct {
	drugs    []string
	flagged  func(domain.VulnerabilityFlags) bool
	severity string
	message  string
}

var conditionRules = []conditionRule{
	{
		drugs:    []string{"ibuprofen", "diclofenac", "naproxen", "indomethacin"},
		flagged:  func(f domain.VulnerabilityFlags) bool { return f.HeartDisease },
		severity: domain.SeveritySevere,
		message:  "NSAID + cardiovascular disease: Increased MI/HF risk. Use paracetamol instead.",
	},
	{
		drugs:    []string{"warfarin", "heparin", "apixaban", "rivaroxaban"},
		flagged:  func(f domain.VulnerabilityFlags) bool { return f.Pregnant },
		severity: domain.SeveritySevere,
		message:  "Anticoagulant in pregnancy: Teratogenic/haemorrhage risk. Obstetric review required.",
	},
	{
		drugs:    []string{"glibenclamide", "glipizide", "gliclazide"},
		flagged:  func(f domain.VulnerabilityFlags) bool { return f.Elderly },
		severity: domain.SeverityModerate,
		message:  "Long-acting sulfonylurea in elderly patient: Prolonged hypoglycaemia risk. Prefer shorter-acting agents.",
	},
}

// symptomRule is a drug-symptom danger pattern. Matching rows always demand
// action; named escalation patterns force the composite decision upward.
type symptomRule struct {
	drugKeywords    []string
	symptomKeywords []string
	severity        string
	message         string
	forceEscalation bool
}

var symptomRules = []symptomRule{
	{
		drugKeywords:    []string{"warfarin", "heparin", "apixaban", "rivaroxaban", "clopidogrel"},
		symptomKeywords: []string{"head injury", "head trauma", "fall", "bleeding", "blood"},
		severity:        domain.SeveritySevere,
		message:         "Anticoagulant/antiplatelet + head injury/bleeding: HIGH risk of intracranial hemorrhage. IMMEDIATE escalation required.",
		forceEscalation: true,
	},
	{
		drugKeywords:    []string{"atenolol", "metoprolol", "propranolol", "bisoprolol", "carvedilol"},
		symptomKeywords: []string{"bradycardia", "slow heart", "dizziness", "syncope", "fainted"},
		severity:        domain.SeverityModerate,
		message:         "Beta-blocker + bradycardia symptoms: Monitor heart rate. Consider dose reduction.",
	},
	{
		drugKeywords:    []string{"atenolol", "metoprolol", "propranolol", "bisoprolol", "carvedilol"},
		symptomKeywords: []string{"chest pain", "chest tightness", "breathing", "breathless", "wheeze"},
		severity:        domain.SeveritySevere,
		message:         "Beta-blocker + chest pain/breathlessness: May mask tachycardia and worsen bronchospasm or an acute cardiac event. Urgent review.",
		forceEscalation: true,
	},
	{
		drugKeywords:    []string{"insulin", "glibenclamide", "glipizide", "gliclazide"},
		symptomKeywords: []string{"unconscious", "confusion", "seizure", "sweating", "shaking"},
		severity:        domain.SeveritySevere,
		message:         "Insulin/sulfonylurea + altered consciousness: Severe hypoglycaemia likely. Give IV dextrose immediately.",
		forceEscalation: true,
	},
	{
		drugKeywords: []string{
			"prednisolone", "dexamethasone", "methylprednisolone",
			"tacrolimus", "cyclosporine", "azathioprine",
		},
		symptomKeywords: []string{"fever", "infection", "sepsis"},
		severity:        domain.SeveritySevere,
		message:         "Immunosuppressant + fever: Serious infection / sepsis must be excluded urgently.",
		forceEscalation: true,
	},
	{
		drugKeywords:    []string{"lithium"},
		symptomKeywords: []string{"tremor", "confusion", "diarrhea", "vomiting"},
		severity:        domain.SeveritySevere,
		message:         "Lithium + GI symptoms/neurological: Possible lithium toxicity. Check serum levels urgently.",
		forceEscalation: true,
	},
	{
		drugKeywords:    []string{"methotrexate"},
		symptomKeywords: []string{"mouth ulcer", "stomatitis", "breathlessness", "cough"},
		severity:        domain.SeveritySevere,
		message:         "Methotrexate + respiratory/oral symptoms: Possible methotrexate pneumonitis or toxicity.",
		forceEscalation: true,
	},
}

// canonicalDrugs is the fuzzy-match vocabulary: every drug name any table row
// references. Built once at init.
var canonicalDrugs = buildVocabulary()

func buildVocabulary() []string {
	seen := make(map[string]struct{})
	add := func(name string) {
		seen[normalizeDrug(name)] = struct{}{}
	}
	for _, r := range ddiRules {
		add(r.a)
		add(r.b)
	}
	for _, r := range conditionRules {
		for _, d := range r.drugs {
			add(d)
		}
	}
	for _, r := range symptomRules {
		for _, d := range r.drugKeywords {
			add(d)
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
