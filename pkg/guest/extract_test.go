package guest

import (
	"strings"
	"testing"
)

const sampleSource = `use zkpipe_io;
use std::collections::HashMap;

fn main() {
    let mut input: Vec<i32> = zkpipe_io::read();
    zkpipe_io::commit(&input);
    input.sort();
    zkpipe_io::commit(&input);
}

fn input() {
    let numbers = vec![5, 3, 4, 1, 2];
    zkpipe_io::write(&numbers);
}

fn output() {
    let (original, sorted): (Vec<i32>, Vec<i32>) = zkpipe_io::out();
    println!("{:?} {:?}", original, sorted);
}
`

func TestExtractFunctionBodies(t *testing.T) {
	bodies, err := ExtractFunctionBodies(sampleSource, []string{MainFunc, InputFunc, OutputFunc})
	if err != nil {
		t.Fatalf("failed to extract function bodies: %v", err)
	}
	if len(bodies) != 3 {
		t.Fatalf("expected 3 bodies, got %d", len(bodies))
	}

	if !strings.Contains(bodies[0], "input.sort();") {
		t.Errorf("main body missing sort call: %q", bodies[0])
	}
	if !strings.Contains(bodies[1], "vec![5, 3, 4, 1, 2]") {
		t.Errorf("input body missing vector literal: %q", bodies[1])
	}
	if !strings.Contains(bodies[2], "zkpipe_io::out();") {
		t.Errorf("output body missing out marker: %q", bodies[2])
	}
	if strings.Contains(bodies[0], "fn input()") {
		t.Errorf("main body leaked into next function: %q", bodies[0])
	}
}

func TestExtractBodyNestedBraces(t *testing.T) {
	src := `fn main() {
    for i in 0..n {
        if x > y {
            swap();
        }
    }
}`
	bodies, err := ExtractFunctionBodies(src, []string{MainFunc})
	if err != nil {
		t.Fatalf("failed to extract body: %v", err)
	}
	if !strings.Contains(bodies[0], "swap();") {
		t.Errorf("nested block lost: %q", bodies[0])
	}
	if !strings.HasSuffix(bodies[0], "}") {
		t.Errorf("inner closing braces should be kept: %q", bodies[0])
	}
}

func TestExtractBodyIgnoresBracesInStrings(t *testing.T) {
	src := `fn main() {
    let s = "}{";
    let esc = "\"}";
    done();
}`
	bodies, err := ExtractFunctionBodies(src, []string{MainFunc})
	if err != nil {
		t.Fatalf("failed to extract body: %v", err)
	}
	if !strings.Contains(bodies[0], "done();") {
		t.Errorf("string literal braces terminated the body early: %q", bodies[0])
	}
}

func TestExtractBodyIgnoresBracesInComments(t *testing.T) {
	src := `fn main() {
    // closing brace in comment }
    /* another } inside
       a block comment { */
    done();
}`
	bodies, err := ExtractFunctionBodies(src, []string{MainFunc})
	if err != nil {
		t.Fatalf("failed to extract body: %v", err)
	}
	if !strings.Contains(bodies[0], "done();") {
		t.Errorf("comment braces terminated the body early: %q", bodies[0])
	}
}

func TestExtractBodyDoubleStarCommentClose(t *testing.T) {
	src := `fn main() {
    /* comment **/
    done();
}`
	bodies, err := ExtractFunctionBodies(src, []string{MainFunc})
	if err != nil {
		t.Fatalf("failed to extract body: %v", err)
	}
	if !strings.Contains(bodies[0], "done();") {
		t.Errorf("comment closed by **/ was not handled: %q", bodies[0])
	}
}

func TestExtractFunctionBodiesMissing(t *testing.T) {
	src := "fn main() {}\nfn input() {}\n"
	if _, err := ExtractFunctionBodies(src, []string{MainFunc, InputFunc, OutputFunc}); err == nil {
		t.Fatal("expected error for missing fn output()")
	}
}

func TestExtractFunctionBodiesDuplicate(t *testing.T) {
	src := "fn main() {}\nfn main() {}\n"
	if _, err := ExtractFunctionBodies(src, []string{MainFunc}); err == nil {
		t.Fatal("expected error for duplicated fn main()")
	}
}

func TestExtractFunctionBodiesUnterminated(t *testing.T) {
	src := "fn main() { let x = 1;"
	if _, err := ExtractFunctionBodies(src, []string{MainFunc}); err == nil {
		t.Fatal("expected error for unterminated body")
	}
}

func TestExtractImports(t *testing.T) {
	src := `use zkpipe_io;
use std::collections::{
    HashMap,
    HashSet,
};
mod helpers;
pub mod shared;

fn main() {
    let x = 1;
}
`
	imports := ExtractImports(src)

	for _, want := range []string{"use zkpipe_io;", "HashSet,", "mod helpers;", "pub mod shared;"} {
		if !strings.Contains(imports, want) {
			t.Errorf("imports missing %q:\n%s", want, imports)
		}
	}
	if strings.Contains(imports, "let x") {
		t.Errorf("imports picked up function body:\n%s", imports)
	}
}
