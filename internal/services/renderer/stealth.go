package renderer

// stealthScript runs before any page script on every new document and masks
// the fingerprintable traces headless Chrome leaves: the webdriver flag, the
// missing chrome runtime object, empty plugin and language lists, and the
// notification-permission probe.
const stealthScript = `(() => {
  Object.defineProperty(navigator, 'webdriver', { get: () => undefined });

  window.chrome = window.chrome || {};
  window.chrome.runtime = window.chrome.runtime || {};

  Object.defineProperty(navigator, 'plugins', {
    get: () => [
      { name: 'Chrome PDF Plugin' },
      { name: 'Chrome PDF Viewer' },
      { name: 'Native Client' },
    ],
  });

  Object.defineProperty(navigator, 'languages', {
    get: () => ['en-US', 'en'],
  });

  const originalQuery = window.navigator.permissions && window.navigator.permissions.query;
  if (originalQuery) {
    window.navigator.permissions.query = (parameters) =>
      parameters.name === 'notifications'
        ? Promise.resolve({ state: Notification.permission })
        : originalQuery(parameters);
  }
})();`

// ajaxHookScript counts in-flight fetch and XHR calls so the auto wait
// strategy can detect AJAX quiescence. window.__pageQuiet(settleMs) reports
// whether nothing has been in flight for the settle window.
const ajaxHookScript = `(() => {
  let pending = 0;
  let last = Date.now();
  const settle = () => { pending = Math.max(0, pending - 1); last = Date.now(); };

  const originalFetch = window.fetch;
  if (originalFetch) {
    window.fetch = function () {
      pending++;
      last = Date.now();
      return originalFetch.apply(this, arguments).then(
        (r) => { settle(); return r; },
        (e) => { settle(); throw e; }
      );
    };
  }

  const originalSend = XMLHttpRequest.prototype.send;
  XMLHttpRequest.prototype.send = function () {
    pending++;
    last = Date.now();
    this.addEventListener('loadend', settle);
    return originalSend.apply(this, arguments);
  };

  window.__pageQuiet = (settleMs) =>
    pending === 0 && Date.now() - last >= (settleMs || 500);
})();`

// spaProbeScript detects single-page-app markers after the load event; a
// truthy result makes the auto strategy wait for AJAX quiescence.
const spaProbeScript = `!!(window.React || window.Vue || window.angular ||
  window.__NEXT_DATA__ || window.__NUXT__ ||
  document.querySelector('[data-reactroot],[data-server-rendered],[ng-version],#__next,#app,#root'))`
