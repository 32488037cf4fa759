package occa

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Preamble is the source prepended to every OKL program compiled by the
// family: scalar typedefs, integer constants and static matrices with their
// multiply macros.
type Preamble struct {
	// Single selects float for real_t; the default is double.
	Single bool
	// Int32 selects int for int_t; the default is long.
	Int32 bool
	// InnerMax bounds the @inner loop of the MATMUL macros.
	InnerMax int
	Defines  map[string]int
	// StaticMatrices are embedded as const arrays in column-major order.
	StaticMatrices map[string]mat.Matrix
}

// Generate renders the preamble. Map entries are emitted in name order so the
// output, and with it the cache identity, is stable.
func (pa Preamble) Generate() string {
	var sb strings.Builder

	floatTypeStr, floatSuffix := "double", ""
	if pa.Single {
		floatTypeStr, floatSuffix = "float", "f"
	}
	intTypeStr := "long"
	if pa.Int32 {
		intTypeStr = "int"
	}
	fmt.Fprintf(&sb, "typedef %s real_t;\n", floatTypeStr)
	fmt.Fprintf(&sb, "typedef %s int_t;\n", intTypeStr)
	fmt.Fprintf(&sb, "#define REAL_ZERO 0.0%s\n", floatSuffix)
	fmt.Fprintf(&sb, "#define REAL_ONE 1.0%s\n\n", floatSuffix)

	innerMax := max(pa.InnerMax, 1)
	fmt.Fprintf(&sb, "#define INNER_MAX %d\n", innerMax)
	for _, name := range slices.Sorted(maps.Keys(pa.Defines)) {
		fmt.Fprintf(&sb, "#define %s %d\n", name, pa.Defines[name])
	}
	sb.WriteString("\n")

	names := slices.Sorted(maps.Keys(pa.StaticMatrices))
	for _, name := range names {
		sb.WriteString(pa.formatStaticMatrix(name, pa.StaticMatrices[name]))
	}
	for _, name := range names {
		sb.WriteString(matmulMacros(name, pa.StaticMatrices[name]))
	}
	return sb.String()
}

// formatStaticMatrix declares m as [cols][rows] so that the first index
// varies slowest and the layout in memory is column-major.
func (pa Preamble) formatStaticMatrix(name string, m mat.Matrix) string {
	rows, cols := m.Dims()
	var sb strings.Builder

	typeStr := "double"
	if pa.Single {
		typeStr = "float"
	}
	fmt.Fprintf(&sb, "// Matrix %s stored in column-major format\n", name)
	fmt.Fprintf(&sb, "const %s %s[%d][%d] = {\n", typeStr, name, cols, rows)
	for j := 0; j < cols; j++ {
		sb.WriteString("    {")
		for i := 0; i < rows; i++ {
			if i > 0 {
				sb.WriteString(", ")
			}
			if pa.Single {
				fmt.Fprintf(&sb, "%.7ef", m.At(i, j))
			} else {
				fmt.Fprintf(&sb, "%.15e", m.At(i, j))
			}
		}
		sb.WriteString("}")
		if j < cols-1 {
			sb.WriteString(",")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("};\n\n")
	return sb.String()
}

// matmulMacros defines MATMUL_<name>(IN, OUT, N) computing OUT = M × IN for
// N column vectors and MATMUL_ADD_<name> accumulating into OUT.
func matmulMacros(name string, m mat.Matrix) string {
	rows, cols := m.Dims()
	var sb strings.Builder
	for _, v := range []struct{ macro, assign string }{
		{"MATMUL_" + name, "="},
		{"MATMUL_ADD_" + name, "+="},
	} {
		fmt.Fprintf(&sb, "#define %s(IN, OUT, N) \\\n", v.macro)
		sb.WriteString("    do { \\\n")
		fmt.Fprintf(&sb, "        for (int i = 0; i < %d; ++i) { \\\n", rows)
		sb.WriteString("            for (int elem = 0; elem < INNER_MAX; ++elem; @inner) { \\\n")
		sb.WriteString("                if (elem < (N)) { \\\n")
		sb.WriteString("                    real_t sum = REAL_ZERO; \\\n")
		fmt.Fprintf(&sb, "                    for (int j = 0; j < %d; ++j) { \\\n", cols)
		fmt.Fprintf(&sb, "                        sum += %s[j][i] * (IN)[elem * %d + j]; \\\n", name, cols)
		sb.WriteString("                    } \\\n")
		fmt.Fprintf(&sb, "                    (OUT)[elem * %d + i] %s sum; \\\n", rows, v.assign)
		sb.WriteString("                } \\\n")
		sb.WriteString("            } \\\n")
		sb.WriteString("        } \\\n")
		sb.WriteString("    } while(0)\n\n")
	}
	return sb.String()
}
