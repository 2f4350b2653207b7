package labs

// labPrompt instructs the vision model page by page. The output shape must
// stay in sync with pageResultSchema.
const labPrompt = `Extract ALL current "Result" values from this laboratory report page.
Rules:
- Skip superseded results shown in parentheses.
- Normalize decimal commas to points (10,7 -> 10.7).
- Record any H/L severity marker in the "flag" field.
- Keep percentage and absolute-count variants of the same analyte as separate keys (e.g. "Neutrophils %" / "Neutrophils #").
- Find the specimen collection date and return only the date in ISO "YYYY-MM-DD" form (drop any time of day).
- Extract the reference range when stated: fill "ref_low" and "ref_high", otherwise leave them null.
- Translate analyte names into standard English medical terminology; keep names you do not recognize exactly as printed.
- OUTPUT: JSON only -> {"sample_date": "<YYYY-MM-DD|null>", "tests": {"<name>": {"value": <number>, "unit": "<unit|null>", "flag": "<H|L|N|null>", "ref_low": <number|null>, "ref_high": <number|null>}}}`
